package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/config"
	registrycache "github.com/chirino/ai-proxy-monitor/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

// Entries are namespaced by a generation counter so Clear is a single INCR
// and every replica sharing the Redis sees the invalidation.
const (
	keyPrefix     = "ai-proxy-monitor:stats"
	generationKey = keyPrefix + ":gen"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.StatsCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: --redis-url is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a StatsCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (*Cache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &Cache{client: client}, nil
}

type Cache struct {
	client *goredis.Client
}

func (c *Cache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) key(gen int64, key string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, gen, key)
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis cache: %w", err)
	}
	data, err := c.client.Get(ctx, c.key(gen, key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache: %w", err)
	}
	return data, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return fmt.Errorf("redis cache: %w", err)
	}
	return c.client.Set(ctx, c.key(gen, key), value, ttl).Err()
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.client.Incr(ctx, generationKey).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

var _ registrycache.StatsCache = (*Cache)(nil)
