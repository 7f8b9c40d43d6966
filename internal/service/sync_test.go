package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/plugin/docstore/memory"
	locallock "github.com/chirino/ai-proxy-monitor/internal/plugin/lock/local"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	cfg    *config.Config
	syncer *Syncer
	risk   *RiskUpdater
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DocStoreType = "memory"
	cfg.ScanPageSize = 2
	cfg.BulkBatchSize = 2

	f := &fixture{store: memory.New(), cfg: &cfg, clock: base.Add(time.Hour)}
	f.syncer = NewSyncer(f.store, f.cfg, locallock.New(), nil)
	f.syncer.Now = func() time.Time { return f.clock }
	f.risk = NewRiskUpdater(f.store, f.cfg, nil)
	f.risk.Now = func() time.Time { return f.clock }
	require.NoError(t, f.store.CreateIndex(context.Background(), cfg.MessagesIndex, docstore.Schema{}))
	return f
}

func (f *fixture) addMessage(t *testing.T, id, conv string, sec int, question string) {
	t.Helper()
	raw := `{"message":{"content":{"parts":["hi"]}}}`
	if conv != "" {
		raw = fmt.Sprintf(`{"conversation_id":%q,"message":{"metadata":{"model_slug":"gpt-4o"}}}`, conv)
	}
	resp, err := f.store.BulkIndex(context.Background(), f.cfg.MessagesIndex, []docstore.BulkItem{{
		ID: id,
		Document: model.Message{
			Username:     "user-" + id,
			UserQuestion: question,
			RawResponse:  raw,
			RequestTime:  model.NewISOTime(base.Add(time.Duration(sec) * time.Second)),
			ClientIP:     "10.0.0.1",
		},
	}})
	require.NoError(t, err)
	require.False(t, resp.HasErrors())
}

func (f *fixture) conversation(t *testing.T, id string) model.Conversation {
	t.Helper()
	hit, err := f.store.Get(context.Background(), f.cfg.ConversationsIndex, id)
	require.NoError(t, err)
	var c model.Conversation
	require.NoError(t, hit.Decode(&c))
	return c
}

func (f *fixture) allConversations(t *testing.T) map[string]map[string]any {
	t.Helper()
	out := map[string]map[string]any{}
	err := f.store.Scan(context.Background(), f.cfg.ConversationsIndex, docstore.ScanRequest{PageSize: 10}, func(page []docstore.Hit) error {
		for _, h := range page {
			var m map[string]any
			require.NoError(t, json.Unmarshal(h.Source, &m))
			out[h.ID] = m
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func at(sec int) model.ISOTime {
	return model.NewISOTime(base.Add(time.Duration(sec) * time.Second))
}

func TestSync_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addMessage(t, "A", "X", 1, "q-a")
	f.addMessage(t, "B", "X", 3, "q-b")
	f.addMessage(t, "C", "", 2, "q-c")
	f.addMessage(t, "D", "Y", 4, "q-d")

	report, err := f.syncer.Sync(ctx)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, 4, report.MessagesProcessed)
	require.Equal(t, 2, report.ConversationsFound)
	require.Equal(t, 2, report.ConversationsCreated)
	require.Equal(t, 0, report.ConversationsUpdated)
	require.Equal(t, 2, report.ConversationsIndexed)
	require.Equal(t, 1, report.UnassignableMessages)
	require.Equal(t, model.NewISOTime(f.clock), report.SyncStartTime)

	x := f.conversation(t, "X")
	require.Equal(t, 2, x.MessageCount)
	require.Equal(t, []string{"A", "B"}, x.MessageIDs)
	require.Equal(t, at(1), x.FirstMessageTime)
	require.Equal(t, at(3), x.LastMessageTime)
	y := f.conversation(t, "Y")
	require.Equal(t, 1, y.MessageCount)

	f.addMessage(t, "E", "X", 0, "first ever")
	f.clock = f.clock.Add(time.Hour)
	report, err = f.syncer.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.ConversationsUpdated)

	x2 := f.conversation(t, "X")
	require.Equal(t, 3, x2.MessageCount)
	require.Equal(t, at(0), x2.FirstMessageTime)
	require.Equal(t, "first ever", x2.FirstQuestion)
	require.Equal(t, x.CreatedAt, x2.CreatedAt)

	y2 := f.conversation(t, "Y")
	require.Equal(t, model.NewISOTime(f.clock), y2.UpdatedAt)
	y2.UpdatedAt = y.UpdatedAt
	require.Equal(t, y, y2)
}

func TestSync_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 7; i++ {
		f.addMessage(t, fmt.Sprintf("m%d", i), fmt.Sprintf("c%d", i%3), 10-i, fmt.Sprintf("q%d", i))
	}
	_, err := f.syncer.Sync(ctx)
	require.NoError(t, err)
	first := f.allConversations(t)

	f.clock = f.clock.Add(time.Minute)
	_, err = f.syncer.Sync(ctx)
	require.NoError(t, err)
	second := f.allConversations(t)

	require.Len(t, second, 3)
	for id := range first {
		require.NotEqual(t, first[id]["updatedAt"], second[id]["updatedAt"])
		delete(first[id], "updatedAt")
		delete(second[id], "updatedAt")
	}
	require.Equal(t, first, second)
}

func TestSync_PreservesRiskAssessment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addMessage(t, "A", "X", 1, "q-a")
	_, err := f.syncer.Sync(ctx)
	require.NoError(t, err)

	_, err = f.risk.Update(ctx, "X", map[string]any{"overall_risk_level": "HIGH", "summary": "leak"})
	require.NoError(t, err)
	before := f.allConversations(t)["X"]

	f.addMessage(t, "B", "X", 2, "q-b")
	f.clock = f.clock.Add(time.Hour)
	_, err = f.syncer.Sync(ctx)
	require.NoError(t, err)
	after := f.allConversations(t)["X"]

	require.Equal(t, before["riskAssessment"], after["riskAssessment"])
	require.Equal(t, before["messageCount"].(float64)+1, after["messageCount"])
	require.Equal(t, before["createdAt"], after["createdAt"])
}

func TestSync_NeverDeletesUnreachableConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.syncer.Initialize(ctx)
	require.NoError(t, err)
	_, err = f.store.BulkIndex(ctx, f.cfg.ConversationsIndex, []docstore.BulkItem{{ID: "old", Document: map[string]any{"conversationId": "old", "messageCount": 9}}})
	require.NoError(t, err)

	f.addMessage(t, "A", "X", 1, "q")
	_, err = f.syncer.Sync(ctx)
	require.NoError(t, err)
	all := f.allConversations(t)
	require.Contains(t, all, "old")
	require.Equal(t, float64(9), all["old"]["messageCount"])
}

type rejectingStore struct {
	docstore.DocumentStore
	reject map[string]bool
}

func (r *rejectingStore) BulkIndex(ctx context.Context, index string, items []docstore.BulkItem) (*docstore.BulkResponse, error) {
	var keep []docstore.BulkItem
	var rejected []docstore.BulkItemError
	for _, it := range items {
		if r.reject[it.ID] {
			rejected = append(rejected, docstore.BulkItemError{ID: it.ID, Reason: "mapper_parsing_exception"})
			continue
		}
		keep = append(keep, it)
	}
	resp, err := r.DocumentStore.BulkIndex(ctx, index, keep)
	if err != nil {
		return nil, err
	}
	resp.Errors = append(resp.Errors, rejected...)
	return resp, nil
}

func TestSync_PartialBulkFailureIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addMessage(t, "A", "X", 1, "q")
	f.addMessage(t, "B", "Y", 2, "q")
	f.addMessage(t, "C", "Z", 3, "q")

	syncer := NewSyncer(&rejectingStore{DocumentStore: f.store, reject: map[string]bool{"Y": true}}, f.cfg, nil, nil)
	report, err := syncer.Sync(ctx)
	require.NoError(t, err)
	require.True(t, report.Success)
	require.Equal(t, 3, report.ConversationsFound)
	require.Equal(t, 2, report.ConversationsIndexed)
	require.Equal(t, 1, report.ConversationsFailed)
	require.Equal(t, []docstore.BulkItemError{{ID: "Y", Reason: "mapper_parsing_exception"}}, report.Errors)

	all := f.allConversations(t)
	require.Contains(t, all, "X")
	require.NotContains(t, all, "Y")
}

func TestSync_MissingMessagesIndexFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.DeleteIndex(ctx, f.cfg.MessagesIndex))

	_, err := f.syncer.Sync(ctx)
	require.Error(t, err)
	require.True(t, docstore.IsIndexNotFound(err))
}

func TestSync_ConcurrentRunConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	locker := locallock.New()
	f.syncer.locker = locker

	release, ok, err := locker.TryAcquire(ctx, syncLockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.syncer.Sync(ctx)
	var conflict *docstore.ConflictError
	require.ErrorAs(t, err, &conflict)
	_, err = f.syncer.Reset(ctx)
	require.ErrorAs(t, err, &conflict)

	release()
	_, err = f.syncer.Sync(ctx)
	require.NoError(t, err)
}

func TestSync_ClearsStatsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := &countingCache{}
	f.syncer.cache = c

	_, err := f.syncer.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, c.clears)
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.syncer.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, &InitResult{Created: true, Message: "Index created successfully"}, res)

	schema, ok := f.store.Schema(f.cfg.ConversationsIndex)
	require.True(t, ok)
	require.Equal(t, docstore.FieldDate, schema.Fields["lastMessageTime"])
	require.Equal(t, 1, schema.Shards)

	res, err = f.syncer.Initialize(ctx)
	require.NoError(t, err)
	require.Equal(t, &InitResult{Created: false, Message: "Index already exists"}, res)
}

func TestDeleteIndexAndStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	del, err := f.syncer.DeleteIndex(ctx)
	require.NoError(t, err)
	require.Equal(t, &DeleteResult{Deleted: false, Message: "Index does not exist"}, del)

	stats, err := f.syncer.Stats(ctx)
	require.NoError(t, err)
	require.False(t, stats.IndexExists)
	require.Equal(t, "Conversations index does not exist", stats.Message)

	f.addMessage(t, "A", "X", 1, "q")
	f.addMessage(t, "B", "Y", 1, "q")
	_, err = f.syncer.Sync(ctx)
	require.NoError(t, err)

	stats, err = f.syncer.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.IndexExists)
	require.Equal(t, int64(2), stats.ConversationCount)
	require.Equal(t, int64(2), stats.DocumentCount)

	del, err = f.syncer.DeleteIndex(ctx)
	require.NoError(t, err)
	require.True(t, del.Deleted)
	exists, err := f.store.IndexExists(ctx, f.cfg.ConversationsIndex)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestReset_RebuildsFromMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addMessage(t, "A", "X", 1, "q")
	_, err := f.syncer.Sync(ctx)
	require.NoError(t, err)
	_, err = f.risk.Update(ctx, "X", map[string]any{"overall_risk_level": "LOW"})
	require.NoError(t, err)

	res, err := f.syncer.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, "Reset and sync completed", res.Message)
	require.Equal(t, 1, res.Stats.ConversationsCreated)

	x := f.conversation(t, "X")
	require.Nil(t, x.RiskAssessment, "a reset drops store-only annotations")
}

// assessingStore stores a risk assessment once the messages start being read.
type assessingStore struct {
	docstore.DocumentStore
	messages string
	assess   func()
	once     sync.Once
}

func (s *assessingStore) Scan(ctx context.Context, index string, req docstore.ScanRequest, fn docstore.ScanFunc) error {
	if index == s.messages {
		s.once.Do(s.assess)
	}
	return s.DocumentStore.Scan(ctx, index, req, fn)
}

func TestSync_KeepsAssessmentStoredDuringRun(t *testing.T) {
	ctx := context.Background()
	f := syncedFixture(t)
	f.addMessage(t, "C", "X", 5, "q-c")
	f.clock = f.clock.Add(time.Hour)

	store := &assessingStore{DocumentStore: f.store, messages: f.cfg.MessagesIndex}
	store.assess = func() {
		_, err := f.risk.Update(ctx, "X", map[string]any{"overall_risk_level": "CRITICAL"})
		require.NoError(t, err)
	}
	syncer := NewSyncer(store, f.cfg, locallock.New(), nil)
	syncer.Now = f.syncer.Now

	report, err := syncer.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ConversationsUpdated)

	x := f.conversation(t, "X")
	require.Equal(t, 3, x.MessageCount)
	require.NotEmpty(t, x.RiskAssessment)
	var ra model.RiskAssessment
	require.NoError(t, json.Unmarshal(x.RiskAssessment, &ra))
	require.Equal(t, model.RiskCritical, ra.OverallRiskLevel)
}
