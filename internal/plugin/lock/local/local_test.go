package local

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/registry/lock"
	"github.com/stretchr/testify/require"
)

func TestLocker_ExcludesConcurrentHolders(t *testing.T) {
	ctx := context.Background()
	l := New()

	release, ok, err := l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryAcquire(ctx, "sync", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, _ = l.TryAcquire(ctx, "other", time.Minute)
	require.True(t, ok, "names are independent")

	release()
	release()
	release2, ok, _ := l.TryAcquire(ctx, "sync", time.Minute)
	require.True(t, ok)
	release2()
}

func TestLocker_OneWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	l := New()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.TryAcquire(ctx, "sync", time.Minute); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestRegistered(t *testing.T) {
	require.Contains(t, lock.Names(), "local")
}
