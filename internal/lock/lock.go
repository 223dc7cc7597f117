// Package lock provides the single-writer guard taken around a market's
// settlement. It only prevents two resolvers from doing the same work at
// once; correctness never depends on it, because every settlement write is
// version-checked and keyed by a deterministic id.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock: already held")

// Locker acquires a named lock for ttl. The returned release function is
// safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// --- In-process ---

// MemoryLocker is a Locker for single-process deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	clock func() time.Time
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), clock: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, ErrLockHeld
	}
	token := uuid.New().String()
	l.held[key] = memoryLease{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].token == token {
				delete(l.held, key)
			}
		})
	}, nil
}

// --- Redis ---

// unlockLua deletes the key only if it still holds the caller's token, so an
// expired holder cannot release a lock someone else has since taken.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SETNX and a TTL, shared across every
// exchange instance pointed at the same Redis.
type RedisLocker struct {
	rdb    redis.UniversalClient
	unlock *redis.Script
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb, unlock: redis.NewScript(unlockLua)}
}

func redisKey(key string) string {
	return "exchange:lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	k := redisKey(key)

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlock.Run(ctx, l.rdb, []string{k}, token).Err()
		})
	}, nil
}

// Compile-time interface checks.
var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
