// Package local serializes sync runs within a single process.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/registry/lock"
)

func init() {
	lock.Register(lock.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (lock.Locker, error) {
			return New(), nil
		},
	})
}

// Locker holds named in-process locks. The ttl is ignored: a local holder
// cannot disappear without releasing.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

func New() *Locker {
	return &Locker{held: map[string]bool{}}
}

func (l *Locker) TryAcquire(_ context.Context, name string, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, false, nil
	}
	l.held[name] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}
