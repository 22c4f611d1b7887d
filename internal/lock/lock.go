// Package lock provides an optional Redis-backed advisory lock the
// routing pipeline can take out per conversation to narrow (not
// eliminate) the window in which two concurrent requests for the same
// conversation read the same branch list before either commits. Per
// spec.md §5 this is never required for correctness — concurrent
// sibling branches are an accepted outcome — so every Locker here is
// best-effort: failure to acquire degrades to running unlocked rather
// than rejecting the request.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires an advisory lock for key, returning a release
// function. Implementations must tolerate ctx cancellation by
// returning promptly with an error.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker implements Locker with SET NX PX and a token-guarded
// delete, so a lock is only ever released by the holder that set it.
type RedisLocker struct {
	Client    *redis.Client
	TTL       time.Duration
	PollEvery time.Duration
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a lock
// survives a crashed holder; pollEvery controls retry cadence while
// waiting for a contended lock.
func NewRedisLocker(client *redis.Client, ttl, pollEvery time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if pollEvery <= 0 {
		pollEvery = 25 * time.Millisecond
	}
	return &RedisLocker{Client: client, TTL: ttl, PollEvery: pollEvery}
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lock blocks until the key is acquired or ctx is done, polling at
// PollEvery. The returned release function is safe to call at most
// once; calling it after the TTL has already expired is a no-op.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("driftos:lock:conversation:%s", key)
	token := uuid.NewString()

	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, l.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire conversation lock: %w", err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				l.Client.Eval(releaseCtx, releaseScript, []string{redisKey}, token)
			}
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.PollEvery):
		}
	}
}

// NewClient opens a connection and verifies it with PING, following
// the same connect-then-ping shape as the rest of this codebase's
// storage constructors.
func NewClient(ctx context.Context, host, port, password string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
