// Package local is an in-process stats cache backed by ristretto.
package local

import (
	"context"
	"fmt"
	"time"

	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	numCounters = 10_000
	maxCost     = 16 << 20 // bytes
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.StatsCache, error) {
			return New()
		},
	})
}

// Cache keeps entries in process memory; the cost of an entry is its size.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates an empty cache.
func New() (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{c: c}, nil
}

func (l *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := l.c.Get(key)
	return v, ok, nil
}

func (l *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	l.c.SetWithTTL(key, value, int64(len(value)), ttl)
	// Sets are buffered; make them visible to the next Get.
	l.c.Wait()
	return nil
}

func (l *Cache) Clear(context.Context) error {
	l.c.Clear()
	return nil
}

// Close releases the cache's background goroutines.
func (l *Cache) Close() {
	l.c.Close()
}

var _ registrycache.StatsCache = (*Cache)(nil)
