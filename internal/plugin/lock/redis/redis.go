// Package redis serializes sync runs across replicas sharing one Redis.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/ai-proxy-monitor/internal/config"
	"github.com/chirino/ai-proxy-monitor/internal/registry/lock"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "ai-proxy-monitor:lock:"

// Deletes the key only if it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the lease only while the key still holds our token.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func init() {
	lock.Register(lock.Plugin{
		Name: "redis",
		Loader: func(ctx context.Context) (lock.Locker, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.RedisURL == "" {
				return nil, fmt.Errorf("redis lock: --redis-url is required")
			}
			return LoadFromURL(ctx, cfg.RedisURL)
		},
	})
}

// LoadFromURL creates a Locker from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (*Locker, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis lock: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis lock: ping failed: %w", err)
	}
	return &Locker{client: client}, nil
}

// Locker holds a lease per name. While held, the lease is extended every
// ttl/3, so ttl only bounds how long a crashed holder blocks other replicas.
type Locker struct {
	client *goredis.Client
}

// TryAcquire takes the lease for name. Renewal stops when release is called
// or ctx is done, after which the lease lapses within ttl.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(ctx, stop, name, key, token, ttl)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				log.Warn("Failed to release sync lock", "name", name, "err", err)
			}
		})
	}, true, nil
}

func (l *Locker) renew(ctx context.Context, stop <-chan struct{}, name, key, token string, ttl time.Duration) {
	ticker := time.NewTicker(max(ttl/3, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil {
				log.Warn("Failed to renew sync lock", "name", name, "err", err)
				continue
			}
			if held == 0 {
				log.Warn("Sync lock lease was lost", "name", name)
				return
			}
		}
	}
}

func (l *Locker) Close() error {
	return l.client.Close()
}
