// Package route collects gin route plugins that register themselves from
// init() and are mounted by the serve command.
package route

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
)

// Mounter adds a plugin's routes to r.
type Mounter func(r *gin.Engine) error

// Surface selects the listener a plugin's routes are served on.
type Surface int

const (
	// API routes are served on the main listener alongside /api.
	API Surface = iota
	// Management routes (/health, /ready, /metrics) move to the management
	// listener when --management-port is set, and stay on the main one otherwise.
	Management
)

func (s Surface) String() string {
	if s == Management {
		return "management"
	}
	return "api"
}

// Plugin is a set of routes. Lower Order mounts first.
type Plugin struct {
	Order   int
	Surface Surface
	Mount   Mounter
}

var (
	mu      sync.Mutex
	plugins []Plugin
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	plugins = append(plugins, p)
}

// Mount mounts every plugin registered for surface on r, in Order.
func Mount(r *gin.Engine, surface Surface) error {
	mu.Lock()
	var selected []Plugin
	for _, p := range plugins {
		if p.Surface == surface {
			selected = append(selected, p)
		}
	}
	mu.Unlock()

	slices.SortStableFunc(selected, func(a, b Plugin) int { return cmp.Compare(a.Order, b.Order) })
	for _, p := range selected {
		if err := p.Mount(r); err != nil {
			return fmt.Errorf("failed to load %s routes: %w", surface, err)
		}
	}
	return nil
}
