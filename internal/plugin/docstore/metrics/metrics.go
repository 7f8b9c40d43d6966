package metrics

import (
	"context"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
)

// Wrap returns a DocumentStore that records StoreLatency for every operation.
func Wrap(inner docstore.DocumentStore) docstore.DocumentStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner docstore.DocumentStore
}

var _ docstore.DocumentStore = (*metricsStore)(nil)

func observe(op string, start time.Time) {
	monitoring.ObserveStore(op, start)
}

func (m *metricsStore) IndexExists(ctx context.Context, index string) (bool, error) {
	defer observe("index_exists", time.Now())
	return m.inner.IndexExists(ctx, index)
}

func (m *metricsStore) CreateIndex(ctx context.Context, index string, schema docstore.Schema) error {
	defer observe("create_index", time.Now())
	return m.inner.CreateIndex(ctx, index, schema)
}

func (m *metricsStore) DeleteIndex(ctx context.Context, index string) error {
	defer observe("delete_index", time.Now())
	return m.inner.DeleteIndex(ctx, index)
}

func (m *metricsStore) Count(ctx context.Context, index string, query docstore.Query) (int64, error) {
	defer observe("count", time.Now())
	return m.inner.Count(ctx, index, query)
}

func (m *metricsStore) Search(ctx context.Context, index string, req docstore.SearchRequest) (*docstore.SearchResult, error) {
	defer observe("search", time.Now())
	return m.inner.Search(ctx, index, req)
}

// Scan is timed per page so that a slow consumer does not inflate the store latency.
func (m *metricsStore) Scan(ctx context.Context, index string, req docstore.ScanRequest, fn docstore.ScanFunc) error {
	start := time.Now()
	err := m.inner.Scan(ctx, index, req, func(page []docstore.Hit) error {
		observe("scan_page", start)
		err := fn(page)
		start = time.Now()
		return err
	})
	if err == nil {
		observe("scan_page", start)
	}
	return err
}

func (m *metricsStore) Get(ctx context.Context, index, id string) (*docstore.Hit, error) {
	defer observe("get", time.Now())
	return m.inner.Get(ctx, index, id)
}

func (m *metricsStore) ExistsByID(ctx context.Context, index, id string) (bool, error) {
	defer observe("exists_by_id", time.Now())
	return m.inner.ExistsByID(ctx, index, id)
}

func (m *metricsStore) Terms(ctx context.Context, index, field string, query docstore.Query, size int) ([]docstore.TermBucket, error) {
	defer observe("terms", time.Now())
	return m.inner.Terms(ctx, index, field, query, size)
}

func (m *metricsStore) Stats(ctx context.Context, index string) (*docstore.IndexStats, error) {
	defer observe("stats", time.Now())
	return m.inner.Stats(ctx, index)
}

func (m *metricsStore) BulkIndex(ctx context.Context, index string, items []docstore.BulkItem) (*docstore.BulkResponse, error) {
	defer observe("bulk_index", time.Now())
	return m.inner.BulkIndex(ctx, index, items)
}

func (m *metricsStore) UpdateByID(ctx context.Context, index, id string, partial map[string]any) error {
	defer observe("update_by_id", time.Now())
	return m.inner.UpdateByID(ctx, index, id, partial)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
