package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/plugin/cache/redis"
	"github.com/chirino/ai-proxy-monitor/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	url := testredis.StartRedis(t)

	a, err := redis.LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer a.Close()
	b, err := redis.LoadFromURL(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	_, ok, err := a.Get(ctx, "users")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Set(ctx, "users", []byte(`["alice"]`), time.Minute))
	v, ok, err := b.Get(ctx, "users")
	require.NoError(t, err)
	require.True(t, ok, "entries are shared between clients")
	require.Equal(t, `["alice"]`, string(v))

	require.NoError(t, b.Clear(ctx))
	_, ok, err = a.Get(ctx, "users")
	require.NoError(t, err)
	require.False(t, ok, "clear is visible to every client")
}

func TestRedisCache_Expires(t *testing.T) {
	ctx := context.Background()
	c, err := redis.LoadFromURL(ctx, testredis.StartRedis(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	require.Eventually(t, func() bool {
		_, ok, err := c.Get(ctx, "k")
		return err == nil && !ok
	}, 5*time.Second, 50*time.Millisecond)
}
