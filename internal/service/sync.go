package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/aggregate"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	registrylock "github.com/chirino/ai-proxy-monitor/internal/registry/lock"
	"github.com/google/uuid"
)

const (
	syncLockName = "conversation-sync"
	// maxReportedErrors bounds the bulk item errors echoed in a SyncReport.
	maxReportedErrors = 20
)

// InitResult is the outcome of Initialize.
type InitResult struct {
	Created bool   `json:"created"`
	Message string `json:"message"`
}

// DeleteResult is the outcome of DeleteIndex.
type DeleteResult struct {
	Deleted bool   `json:"deleted"`
	Message string `json:"message"`
}

// IndexStats describes the conversations index.
type IndexStats struct {
	IndexExists       bool   `json:"indexExists"`
	ConversationCount int64  `json:"conversationCount"`
	IndexSize         int64  `json:"indexSize,omitempty"`
	DocumentCount     int64  `json:"documentCount,omitempty"`
	Message           string `json:"message,omitempty"`
}

// SyncReport summarizes one sync run.
type SyncReport struct {
	Success              bool                     `json:"success"`
	SyncStartTime        model.ISOTime            `json:"syncStartTime"`
	SyncEndTime          model.ISOTime            `json:"syncEndTime"`
	DurationSeconds      float64                  `json:"durationSeconds"`
	MessagesProcessed    int                      `json:"messagesProcessed"`
	ConversationsFound   int                      `json:"conversationsFound"`
	ConversationsCreated int                      `json:"conversationsCreated"`
	ConversationsUpdated int                      `json:"conversationsUpdated"`
	ConversationsIndexed int                      `json:"conversationsIndexed"`
	ConversationsFailed  int                      `json:"conversationsFailed"`
	UnassignableMessages int                      `json:"unassignableMessages"`
	SkippedMessages      int                      `json:"skippedMessages"`
	Errors               []docstore.BulkItemError `json:"errors,omitempty"`
}

// ResetResult is the outcome of Reset.
type ResetResult struct {
	Message string      `json:"message"`
	Stats   *SyncReport `json:"stats"`
}

// Syncer derives the conversations index from the messages index.
type Syncer struct {
	store              docstore.DocumentStore
	messagesIndex      string
	conversationsIndex string
	scanPageSize       int
	bulkBatchSize      int
	locker             registrylock.Locker
	lockTTL            time.Duration
	cache              registrycache.StatsCache

	// Now is the clock used for creation, update and report timestamps.
	Now func() time.Time
}

// NewSyncer creates a Syncer. locker and statsCache may be nil.
func NewSyncer(store docstore.DocumentStore, cfg *config.Config, locker registrylock.Locker, statsCache registrycache.StatsCache) *Syncer {
	return &Syncer{
		store:              store,
		messagesIndex:      cfg.MessagesIndex,
		conversationsIndex: cfg.ConversationsIndex,
		scanPageSize:       cfg.ScanPageSize,
		bulkBatchSize:      cfg.BulkBatchSize,
		locker:             locker,
		lockTTL:            cfg.SyncLockTTL,
		cache:              statsCache,
		Now:                time.Now,
	}
}

// Initialize creates the conversations index. An existing index is success.
func (s *Syncer) Initialize(ctx context.Context) (*InitResult, error) {
	err := s.store.CreateIndex(ctx, s.conversationsIndex, ConversationSchema)
	var exists *docstore.IndexExistsError
	switch {
	case errors.As(err, &exists):
		return &InitResult{Created: false, Message: "Index already exists"}, nil
	case err != nil:
		return nil, fmt.Errorf("create index %s: %w", s.conversationsIndex, err)
	}
	log.Info("Created conversations index", "index", s.conversationsIndex)
	return &InitResult{Created: true, Message: "Index created successfully"}, nil
}

// Sync rebuilds every conversation summary reachable from the messages
// index. Concurrent runs fail fast with a ConflictError.
func (s *Syncer) Sync(ctx context.Context) (*SyncReport, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.sync(ctx)
}

// Reset drops the conversations index, recreates it and syncs, all under
// the sync lock.
func (s *Syncer) Reset(ctx context.Context) (*ResetResult, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := s.deleteIndex(ctx); err != nil {
		return nil, err
	}
	report, err := s.sync(ctx)
	if err != nil {
		return nil, err
	}
	return &ResetResult{Message: "Reset and sync completed", Stats: report}, nil
}

// DeleteIndex drops the conversations index. A missing index is reported,
// not failed.
func (s *Syncer) DeleteIndex(ctx context.Context) (*DeleteResult, error) {
	return s.deleteIndex(ctx)
}

func (s *Syncer) deleteIndex(ctx context.Context) (*DeleteResult, error) {
	err := s.store.DeleteIndex(ctx, s.conversationsIndex)
	if docstore.IsIndexNotFound(err) {
		return &DeleteResult{Deleted: false, Message: "Index does not exist"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete index %s: %w", s.conversationsIndex, err)
	}
	s.invalidate(ctx)
	log.Info("Deleted conversations index", "index", s.conversationsIndex)
	return &DeleteResult{Deleted: true, Message: "Index deleted successfully"}, nil
}

// Stats describes the conversations index.
func (s *Syncer) Stats(ctx context.Context) (*IndexStats, error) {
	exists, err := s.store.IndexExists(ctx, s.conversationsIndex)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &IndexStats{IndexExists: false, Message: "Conversations index does not exist"}, nil
	}
	count, err := s.store.Count(ctx, s.conversationsIndex, docstore.MatchAll())
	if err != nil {
		return nil, err
	}
	stats, err := s.store.Stats(ctx, s.conversationsIndex)
	if err != nil {
		return nil, err
	}
	return &IndexStats{
		IndexExists:       true,
		ConversationCount: count,
		IndexSize:         stats.SizeBytes,
		DocumentCount:     stats.DocumentCount,
	}, nil
}

func (s *Syncer) acquire(ctx context.Context) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, ok, err := s.locker.TryAcquire(ctx, syncLockName, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	if !ok {
		return nil, &docstore.ConflictError{Message: "a sync is already in progress"}
	}
	return release, nil
}

func (s *Syncer) sync(ctx context.Context) (report *SyncReport, err error) {
	start := s.Now()
	runID := uuid.NewString()
	logger := log.With("run", runID)
	defer func() {
		if err != nil {
			monitoring.RecordSync("error", time.Since(start), monitoring.SyncCounts{})
			logger.Error("Sync failed", "err", err)
		}
	}()
	logger.Info("Sync starting", "messages", s.messagesIndex, "conversations", s.conversationsIndex)

	if _, err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	prior, err := s.loadPrior(ctx, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("Loaded prior conversations", "count", len(prior))

	agg := aggregate.New(prior, start)
	err = s.store.Scan(ctx, s.messagesIndex, docstore.ScanRequest{
		Query:    docstore.MatchAll(),
		Sort:     []docstore.SortField{docstore.Asc("requestTime")},
		PageSize: s.scanPageSize,
	}, func(page []docstore.Hit) error {
		for _, hit := range page {
			agg.AddRaw(hit.ID, hit.Source)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read messages from %s: %w", s.messagesIndex, err)
	}
	result := agg.Result()
	if result.Unassignable > 0 || result.Skipped > 0 {
		logger.Warn("Some messages were not aggregated", "unassignable", result.Unassignable, "skipped", result.Skipped)
	}

	report = &SyncReport{
		SyncStartTime:        model.NewISOTime(start),
		MessagesProcessed:    result.MessagesProcessed,
		ConversationsFound:   len(result.Conversations),
		ConversationsCreated: result.Created(),
		ConversationsUpdated: result.Updated(),
		UnassignableMessages: result.Unassignable,
		SkippedMessages:      result.Skipped,
	}
	if err := s.write(ctx, result.Sorted(), report, logger); err != nil {
		return nil, err
	}
	s.invalidate(ctx)

	end := s.Now()
	report.Success = true
	report.SyncEndTime = model.NewISOTime(end)
	report.DurationSeconds = end.Sub(start).Seconds()

	monitoring.RecordSync("success", time.Since(start), monitoring.SyncCounts{
		Aggregated:           result.MessagesProcessed - result.Unassignable - result.Skipped,
		Unassignable:         result.Unassignable,
		Skipped:              result.Skipped,
		ConversationsIndexed: report.ConversationsIndexed,
		ConversationsFailed:  report.ConversationsFailed,
	})
	logger.Info("Sync completed",
		"messages", report.MessagesProcessed,
		"conversations", report.ConversationsFound,
		"created", report.ConversationsCreated,
		"updated", report.ConversationsUpdated,
		"failed", report.ConversationsFailed,
		"duration", end.Sub(start))
	return report, nil
}

// loadPrior reads the store-authoritative fields of every persisted summary.
func (s *Syncer) loadPrior(ctx context.Context, logger *log.Logger) (aggregate.Lookup, error) {
	prior := aggregate.Lookup{}
	err := s.store.Scan(ctx, s.conversationsIndex, docstore.ScanRequest{
		Query:    docstore.MatchAll(),
		Sort:     []docstore.SortField{docstore.Asc("conversationId")},
		PageSize: s.scanPageSize,
	}, func(page []docstore.Hit) error {
		for _, hit := range page {
			p, err := aggregate.DecodePrior(hit.Source)
			if err != nil {
				logger.Warn("Prior conversation is malformed", "conversationId", hit.ID, "err", err)
			}
			prior[hit.ID] = p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read conversations from %s: %w", s.conversationsIndex, err)
	}
	return prior, nil
}

// write upserts the summaries in batches. Rejected documents are counted
// in the report; any other failure aborts the run. The risk assessment is
// never written here: the stored one is left to the merge, so an assessment
// recorded while the sync was running survives it.
func (s *Syncer) write(ctx context.Context, conversations []*model.Conversation, report *SyncReport, logger *log.Logger) error {
	batch := max(s.bulkBatchSize, 1)
	for from := 0; from < len(conversations); from += batch {
		to := min(from+batch, len(conversations))
		items := make([]docstore.BulkItem, 0, to-from)
		for _, c := range conversations[from:to] {
			doc := *c
			doc.RiskAssessment = nil
			items = append(items, docstore.BulkItem{ID: c.ConversationID, Document: &doc})
		}
		resp, err := s.store.BulkIndex(ctx, s.conversationsIndex, items)
		if err != nil {
			return fmt.Errorf("write conversations to %s: %w", s.conversationsIndex, err)
		}
		report.ConversationsIndexed += resp.Indexed
		report.ConversationsFailed += len(resp.Errors)
		for _, e := range resp.Errors {
			logger.Error("Conversation was rejected", "conversationId", e.ID, "reason", e.Reason)
			if len(report.Errors) < maxReportedErrors {
				report.Errors = append(report.Errors, e)
			}
		}
	}
	return nil
}

func (s *Syncer) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Clear(ctx); err != nil {
		log.Warn("Failed to clear stats cache", "err", err)
	}
}
