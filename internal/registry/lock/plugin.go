// Package lock selects how concurrent sync and reset runs are serialized.
package lock

import (
	"context"
	"fmt"
	"time"
)

// Locker guards the sync pipeline. TryAcquire never blocks: when another
// run holds the lock it returns ok=false.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

// Loader creates a locker from config.
type Loader func(ctx context.Context) (Locker, error)

// Plugin represents a lock plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a lock plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered lock plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named lock plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown sync lock %q; valid: %v", name, Names())
}
