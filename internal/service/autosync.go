package service

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
)

// AutoSync periodically runs a sync in the background.
type AutoSync struct {
	syncer   *Syncer
	interval time.Duration
}

// NewAutoSync creates an auto sync service. A non-positive interval disables it.
func NewAutoSync(syncer *Syncer, interval time.Duration) *AutoSync {
	return &AutoSync{syncer: syncer, interval: interval}
}

// Start begins the periodic sync loop. Returns when ctx is cancelled.
func (a *AutoSync) Start(ctx context.Context) {
	if a.interval <= 0 {
		log.Info("Auto sync disabled")
		return
	}
	log.Info("Auto sync enabled", "interval", a.interval)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

func (a *AutoSync) runOnce(ctx context.Context) {
	_, err := a.syncer.Sync(ctx)
	var conflict *docstore.ConflictError
	switch {
	case err == nil:
	case errors.As(err, &conflict):
		log.Debug("Auto sync: skipped, another sync is running")
	case ctx.Err() != nil:
	default:
		log.Error("Auto sync: failed", "err", err)
	}
}
