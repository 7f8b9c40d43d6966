package noop

import (
	"context"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.StatsCache, error) {
			return &noopStatsCache{}, nil
		},
	})
}

type noopStatsCache struct{}

func (n *noopStatsCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (n *noopStatsCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (n *noopStatsCache) Clear(context.Context) error { return nil }

var _ cache.StatsCache = (*noopStatsCache)(nil)
