package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/assessment"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
)

// RiskUpdateResult is returned after a risk assessment is stored.
type RiskUpdateResult struct {
	ConversationID string               `json:"conversationId"`
	RiskAssessment model.RiskAssessment `json:"riskAssessment"`
	UpdatedAt      model.ISOTime        `json:"updatedAt"`
}

// RiskUpdater attaches externally produced risk assessments to stored
// conversation summaries.
type RiskUpdater struct {
	store docstore.DocumentStore
	index string
	cache registrycache.StatsCache

	Now func() time.Time
}

// NewRiskUpdater creates a RiskUpdater. statsCache may be nil.
func NewRiskUpdater(store docstore.DocumentStore, cfg *config.Config, statsCache registrycache.StatsCache) *RiskUpdater {
	return &RiskUpdater{
		store: store,
		index: cfg.ConversationsIndex,
		cache: statsCache,
		Now:   time.Now,
	}
}

// Update replaces the risk assessment of conversation id with the one found
// in payload and advances its update time. Nothing else is written. It
// never creates a conversation.
func (r *RiskUpdater) Update(ctx context.Context, id string, payload any) (result *RiskUpdateResult, err error) {
	defer func() {
		switch {
		case err == nil:
			monitoring.RecordRiskAssessment("stored")
		case errors.As(err, new(*docstore.ValidationError)):
			monitoring.RecordRiskAssessment("invalid")
		case errors.As(err, new(*docstore.NotFoundError)):
			monitoring.RecordRiskAssessment("not_found")
		default:
			monitoring.RecordRiskAssessment("error")
		}
	}()

	exists, err := r.store.IndexExists(ctx, r.index)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, docstore.IndexNotFound(r.index)
	}
	found, err := r.store.ExistsByID(ctx, r.index, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &docstore.NotFoundError{Resource: "conversation", ID: id}
	}

	now := r.Now()
	ra, err := assessment.Normalize(assessment.Unwrap(payload), payload, now)
	if err != nil {
		return nil, err
	}
	updatedAt := model.NewISOTime(now)
	err = r.store.UpdateByID(ctx, r.index, id, map[string]any{
		"riskAssessment": ra,
		"updatedAt":      updatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("store risk assessment for %s: %w", id, err)
	}
	if r.cache != nil {
		if err := r.cache.Clear(ctx); err != nil {
			log.Warn("Failed to clear stats cache", "err", err)
		}
	}
	log.Info("Stored risk assessment", "conversationId", id, "level", ra.OverallRiskLevel)
	return &RiskUpdateResult{ConversationID: id, RiskAssessment: ra, UpdatedAt: updatedAt}, nil
}
