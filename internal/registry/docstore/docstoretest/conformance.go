// Package docstoretest holds the behaviour every DocumentStore backend must
// share. Backend packages call Run from their own tests.
package docstoretest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a store for one test. The store is closed by Run.
type Factory func(t *testing.T) registrydocstore.DocumentStore

var schema = registrydocstore.Schema{
	Fields: map[string]registrydocstore.FieldType{
		"username":    registrydocstore.FieldKeyword,
		"requestTime": registrydocstore.FieldDate,
		"tags":        registrydocstore.FieldKeyword,
		"level":       registrydocstore.FieldKeyword,
		"count":       registrydocstore.FieldInteger,
		"question":    registrydocstore.FieldText,
	},
	Shards: 1,
}

type doc struct {
	Username    string         `json:"username"`
	RequestTime string         `json:"requestTime"`
	Question    string         `json:"question"`
	Count       int            `json:"count"`
	Tags        []string       `json:"tags,omitempty"`
	Risk        map[string]any `json:"risk,omitempty"`
}

func fixture() []registrydocstore.BulkItem {
	return []registrydocstore.BulkItem{
		{ID: "a", Document: doc{Username: "alice", RequestTime: "2024-01-01T00:00:01.000Z", Question: "hello world", Count: 1, Tags: []string{"x"}}},
		{ID: "b", Document: doc{Username: "bob", RequestTime: "2024-01-01T00:00:03.000Z", Question: "how are you", Count: 2, Risk: map[string]any{"level": "HIGH"}}},
		{ID: "c", Document: doc{Username: "alice", RequestTime: "2024-01-01T00:00:02.000Z", Question: "world peace", Count: 3, Tags: []string{"x", "y"}}},
		{ID: "d", Document: doc{Username: "carol", RequestTime: "2024-01-01T00:00:04.000Z", Question: "bye", Count: 4, Risk: map[string]any{"level": "CRITICAL"}}},
		{ID: "e", Document: doc{Username: "alice", RequestTime: "2024-01-01T00:00:00.000Z", Question: "first", Count: 5}},
	}
}

func newIndex() string {
	return "conformance-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func ids(hits []registrydocstore.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func source(t *testing.T, h *registrydocstore.Hit) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(h.Source, &m))
	return m
}

// Run executes the conformance suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	setup := func(t *testing.T) (registrydocstore.DocumentStore, string) {
		t.Helper()
		store := factory(t)
		t.Cleanup(func() { _ = store.Close() })
		name := newIndex()
		require.NoError(t, store.CreateIndex(ctx, name, schema))
		t.Cleanup(func() { _ = store.DeleteIndex(context.Background(), name) })
		resp, err := store.BulkIndex(ctx, name, fixture())
		require.NoError(t, err)
		require.False(t, resp.HasErrors(), "%v", resp.Errors)
		require.Equal(t, 5, resp.Indexed)
		return store, name
	}

	t.Run("IndexLifecycle", func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		name := newIndex()

		exists, err := store.IndexExists(ctx, name)
		require.NoError(t, err)
		require.False(t, exists)

		require.NoError(t, store.CreateIndex(ctx, name, schema))
		exists, err = store.IndexExists(ctx, name)
		require.NoError(t, err)
		require.True(t, exists)

		var existsErr *registrydocstore.IndexExistsError
		require.ErrorAs(t, store.CreateIndex(ctx, name, schema), &existsErr)

		require.NoError(t, store.DeleteIndex(ctx, name))
		exists, err = store.IndexExists(ctx, name)
		require.NoError(t, err)
		require.False(t, exists)

		require.True(t, registrydocstore.IsIndexNotFound(store.DeleteIndex(ctx, name)))
	})

	t.Run("MissingIndex", func(t *testing.T) {
		store := factory(t)
		defer store.Close()
		name := newIndex()

		_, err := store.Count(ctx, name, registrydocstore.MatchAll())
		assert.True(t, registrydocstore.IsIndexNotFound(err), "count: %v", err)
		_, err = store.Search(ctx, name, registrydocstore.SearchRequest{Size: 10})
		assert.True(t, registrydocstore.IsIndexNotFound(err), "search: %v", err)
		err = store.Scan(ctx, name, registrydocstore.ScanRequest{PageSize: 10}, func([]registrydocstore.Hit) error { return nil })
		assert.True(t, registrydocstore.IsIndexNotFound(err), "scan: %v", err)
		_, err = store.Get(ctx, name, "a")
		assert.True(t, registrydocstore.IsIndexNotFound(err), "get: %v", err)
		_, err = store.ExistsByID(ctx, name, "a")
		assert.True(t, registrydocstore.IsIndexNotFound(err), "exists: %v", err)
		_, err = store.BulkIndex(ctx, name, fixture())
		assert.True(t, registrydocstore.IsIndexNotFound(err), "bulk: %v", err)
		err = store.UpdateByID(ctx, name, "a", map[string]any{"x": 1})
		assert.True(t, registrydocstore.IsIndexNotFound(err), "update: %v", err)
		_, err = store.Stats(ctx, name)
		assert.True(t, registrydocstore.IsIndexNotFound(err), "stats: %v", err)
		_, err = store.Terms(ctx, name, "username", registrydocstore.MatchAll(), 10)
		assert.True(t, registrydocstore.IsIndexNotFound(err), "terms: %v", err)
	})

	t.Run("GetAndExists", func(t *testing.T) {
		store, name := setup(t)

		hit, err := store.Get(ctx, name, "b")
		require.NoError(t, err)
		require.Equal(t, "b", hit.ID)
		src := source(t, hit)
		require.Equal(t, "bob", src["username"])
		require.Equal(t, float64(2), src["count"])
		require.NotContains(t, src, "_id")

		_, err = store.Get(ctx, name, "zzz")
		var nf *registrydocstore.NotFoundError
		require.ErrorAs(t, err, &nf)
		require.Equal(t, "document", nf.Resource)

		ok, err := store.ExistsByID(ctx, name, "a")
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = store.ExistsByID(ctx, name, "zzz")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("BulkIndexMerges", func(t *testing.T) {
		store, name := setup(t)

		resp, err := store.BulkIndex(ctx, name, []registrydocstore.BulkItem{
			{ID: "a", Document: doc{Username: "alice", RequestTime: "2024-01-01T00:00:01.000Z", Question: "replaced", Count: 9}},
		})
		require.NoError(t, err)
		require.Equal(t, 1, resp.Indexed)

		hit, err := store.Get(ctx, name, "a")
		require.NoError(t, err)
		src := source(t, hit)
		require.Equal(t, "replaced", src["question"])
		require.EqualValues(t, 9, src["count"])
		require.Equal(t, []any{"x"}, src["tags"], "fields the upsert omits are kept")

		n, err := store.Count(ctx, name, registrydocstore.MatchAll())
		require.NoError(t, err)
		require.EqualValues(t, 5, n)
	})

	t.Run("SearchSortAndPage", func(t *testing.T) {
		store, name := setup(t)

		res, err := store.Search(ctx, name, registrydocstore.SearchRequest{
			Sort: []registrydocstore.SortField{registrydocstore.Asc("requestTime")},
			Size: 10,
		})
		require.NoError(t, err)
		require.EqualValues(t, 5, res.Total)
		require.Equal(t, []string{"e", "a", "c", "b", "d"}, ids(res.Hits))

		res, err = store.Search(ctx, name, registrydocstore.SearchRequest{
			Sort: []registrydocstore.SortField{registrydocstore.Desc("requestTime")},
			From: 1,
			Size: 2,
		})
		require.NoError(t, err)
		require.EqualValues(t, 5, res.Total)
		require.Equal(t, []string{"b", "c"}, ids(res.Hits))

		res, err = store.Search(ctx, name, registrydocstore.SearchRequest{
			Sort: []registrydocstore.SortField{registrydocstore.Asc("requestTime")},
			From: 10,
			Size: 10,
		})
		require.NoError(t, err)
		require.EqualValues(t, 5, res.Total)
		require.Empty(t, res.Hits)
	})

	t.Run("Filters", func(t *testing.T) {
		store, name := setup(t)

		count := func(q registrydocstore.Query) int64 {
			t.Helper()
			n, err := store.Count(ctx, name, q)
			require.NoError(t, err)
			return n
		}
		require.EqualValues(t, 3, count(registrydocstore.MatchAll().WithTerm("username", "alice")))
		require.EqualValues(t, 2, count(registrydocstore.MatchAll().WithTerm("tags", "x")))
		require.EqualValues(t, 1, count(registrydocstore.MatchAll().WithTerm("risk.level", "HIGH")))
		require.EqualValues(t, 3, count(registrydocstore.MatchAll().WithRange("requestTime", "2024-01-01T00:00:02.000Z", "")))
		require.EqualValues(t, 2, count(registrydocstore.MatchAll().WithRange("requestTime", "", "2024-01-01T00:00:02.000Z")))
		require.EqualValues(t, 2, count(registrydocstore.MatchAll().WithContains("question", "world")))
		require.EqualValues(t, 1, count(registrydocstore.MatchAll().WithTerm("username", "alice").WithContains("question", "peace")))
		require.EqualValues(t, 0, count(registrydocstore.MatchAll().WithTerm("username", "nobody")))

		res, err := store.Search(ctx, name, registrydocstore.SearchRequest{
			Query: registrydocstore.MatchAll().WithTerm("username", "alice"),
			Sort:  []registrydocstore.SortField{registrydocstore.Desc("requestTime")},
			Size:  2,
		})
		require.NoError(t, err)
		require.EqualValues(t, 3, res.Total)
		require.Equal(t, []string{"c", "a"}, ids(res.Hits))
	})

	t.Run("ScanPages", func(t *testing.T) {
		store, name := setup(t)

		var pages [][]string
		err := store.Scan(ctx, name, registrydocstore.ScanRequest{
			Sort:     []registrydocstore.SortField{registrydocstore.Asc("requestTime")},
			PageSize: 2,
		}, func(page []registrydocstore.Hit) error {
			pages = append(pages, ids(page))
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, [][]string{{"e", "a"}, {"c", "b"}, {"d"}}, pages)

		var seen []string
		err = store.Scan(ctx, name, registrydocstore.ScanRequest{
			Query:    registrydocstore.MatchAll().WithTerm("username", "alice"),
			PageSize: 1,
		}, func(page []registrydocstore.Hit) error {
			seen = append(seen, ids(page)...)
			return nil
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"a", "c", "e"}, seen)

		stop := fmt.Errorf("stop")
		calls := 0
		err = store.Scan(ctx, name, registrydocstore.ScanRequest{PageSize: 1}, func([]registrydocstore.Hit) error {
			calls++
			return stop
		})
		require.ErrorIs(t, err, stop)
		require.Equal(t, 1, calls)
	})

	t.Run("UpdateByIDIsPartial", func(t *testing.T) {
		store, name := setup(t)

		require.NoError(t, store.UpdateByID(ctx, name, "a", map[string]any{
			"risk":     map[string]any{"level": "LOW"},
			"question": "patched",
		}))
		hit, err := store.Get(ctx, name, "a")
		require.NoError(t, err)
		src := source(t, hit)
		require.Equal(t, "patched", src["question"])
		require.Equal(t, map[string]any{"level": "LOW"}, src["risk"])
		require.Equal(t, "alice", src["username"])
		require.Equal(t, float64(1), src["count"])

		// A nested object is replaced, not merged.
		require.NoError(t, store.UpdateByID(ctx, name, "b", map[string]any{"risk": map[string]any{"other": "v"}}))
		hit, err = store.Get(ctx, name, "b")
		require.NoError(t, err)
		require.Equal(t, map[string]any{"other": "v"}, source(t, hit)["risk"])

		err = store.UpdateByID(ctx, name, "zzz", map[string]any{"x": 1})
		var nf *registrydocstore.NotFoundError
		require.ErrorAs(t, err, &nf)
		ok, err := store.ExistsByID(ctx, name, "zzz")
		require.NoError(t, err)
		require.False(t, ok, "update never creates documents")
	})

	t.Run("Terms", func(t *testing.T) {
		store, name := setup(t)

		buckets, err := store.Terms(ctx, name, "username", registrydocstore.MatchAll(), 10)
		require.NoError(t, err)
		require.Equal(t, []registrydocstore.TermBucket{
			{Key: "alice", Count: 3},
			{Key: "bob", Count: 1},
			{Key: "carol", Count: 1},
		}, buckets)

		buckets, err = store.Terms(ctx, name, "username", registrydocstore.MatchAll(), 2)
		require.NoError(t, err)
		require.Len(t, buckets, 2)

		buckets, err = store.Terms(ctx, name, "username", registrydocstore.MatchAll().WithRange("requestTime", "2024-01-01T00:00:03.000Z", ""), 10)
		require.NoError(t, err)
		require.Equal(t, []registrydocstore.TermBucket{{Key: "bob", Count: 1}, {Key: "carol", Count: 1}}, buckets)
	})

	t.Run("Stats", func(t *testing.T) {
		store, name := setup(t)

		stats, err := store.Stats(ctx, name)
		require.NoError(t, err)
		require.EqualValues(t, 5, stats.DocumentCount)
		require.GreaterOrEqual(t, stats.SizeBytes, int64(0))
	})

	t.Run("RejectsInvalidFields", func(t *testing.T) {
		store, name := setup(t)

		_, err := store.Count(ctx, name, registrydocstore.MatchAll().WithTerm("bad field'", "x"))
		var ve *registrydocstore.ValidationError
		require.ErrorAs(t, err, &ve)
	})
}
