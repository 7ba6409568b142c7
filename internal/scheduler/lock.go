package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key guarding the cycle.
const DefaultLockKey = "beacon-scheduler:cycle-lock"

// Locker guards a cycle across processes. TryLock returns ok=false when the
// lock is held elsewhere; release must be called once the cycle ends.
type Locker interface {
	TryLock(ctx context.Context) (release func() error, ok bool, err error)
}

// NoopLocker always succeeds. Used when a single replica runs.
type NoopLocker struct{}

func (NoopLocker) TryLock(context.Context) (func() error, bool, error) {
	return func() error { return nil }, true, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another replica is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a single-key lease: SET NX PX with a random token.
type RedisLocker struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisLocker creates a locker. ttl bounds how long a crashed holder
// blocks other replicas and should exceed the longest expected cycle.
func NewRedisLocker(rdb *redis.Client, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Key returns the lock key.
func (l *RedisLocker) Key() string { return l.key }

// TTL returns the lease duration.
func (l *RedisLocker) TTL() time.Duration { return l.ttl }

func (l *RedisLocker) TryLock(ctx context.Context) (func() error, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("release %s: %w", l.key, err)
		}
		return nil
	}
	return release, true, nil
}
