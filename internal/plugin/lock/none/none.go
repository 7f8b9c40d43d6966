// Package none disables sync locking; overlapping runs are allowed.
package none

import (
	"context"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/registry/lock"
)

func init() {
	lock.Register(lock.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (lock.Locker, error) {
			return noopLocker{}, nil
		},
	})
}

type noopLocker struct{}

func (noopLocker) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
