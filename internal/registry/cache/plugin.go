package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/monitoring"
)

// StatsCache holds short-lived JSON results of expensive read endpoints
// (dashboard counters, user lists). Clear drops every entry and is called
// whenever the conversations index changes.
type StatsCache interface {
	// Get returns the cached value and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (StatsCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}

// GetOrCompute returns the cached JSON value of key decoded into T, or calls
// compute, stores its result for ttl and returns it. Cache failures are
// treated as misses; only compute errors are returned.
func GetOrCompute[T any](ctx context.Context, c StatsCache, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, error) {
	if c != nil {
		if raw, ok, err := c.Get(ctx, key); err == nil && ok {
			var v T
			if err := json.Unmarshal(raw, &v); err == nil {
				monitoring.CacheHit(true)
				return v, nil
			}
		}
		monitoring.CacheHit(false)
	}
	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		if raw, err := json.Marshal(v); err == nil {
			_ = c.Set(ctx, key, raw, ttl)
		}
	}
	return v, nil
}
