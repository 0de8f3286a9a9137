// Package lock provides the per-(customer,period) advisory locking
// rating requires, and the content-hash dedup set the external metric
// importer (C7) requires. Both are backed by Redis when configured
// (SET key NX PX with TTL for both), the same client the teacher wires for
// coordination state; with no Redis endpoint, an in-memory fallback
// keeps local and test runs working.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker acquires and releases keyed advisory locks.
type Locker interface {
	// TryLock attempts to acquire key for ttl. ok is false if another
	// holder already has it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)
	Unlock(ctx context.Context, key string) error
}

// Deduper remembers whether a content hash has already been seen
// within the retention window.
type Deduper interface {
	// SeenBefore records hash if new and returns whether it was already
	// present.
	SeenBefore(ctx context.Context, hash string, ttl time.Duration) (bool, error)
}

// RedisBackend implements Locker and Deduper against Redis.
type RedisBackend struct {
	c *redis.Client
}

func NewRedisBackend(url string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("lock: invalid redis url: %w", err)
	}
	return &RedisBackend{c: redis.NewClient(opt)}, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisBackend) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.c.SetNX(ctx, "lock:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: tryLock %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisBackend) Unlock(ctx context.Context, key string) error {
	return r.c.Del(ctx, "lock:"+key).Err()
}

func (r *RedisBackend) SeenBefore(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	ok, err := r.c.SetNX(ctx, "dedup:"+hash, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: dedup %s: %w", hash, err)
	}
	// SetNX returns true when the key was newly set, i.e. not seen
	// before.
	return !ok, nil
}

// MemBackend is the in-memory fallback: maps guarded by one mutex, standing in
// for Redis's SETNX semantics, sufficient for a single process.
type MemBackend struct {
	mu      sync.Mutex
	locks   map[string]time.Time
	dedup   map[string]time.Time
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		locks: make(map[string]time.Time),
		dedup: make(map[string]time.Time),
	}
}

func (m *MemBackend) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.locks[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *MemBackend) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func (m *MemBackend) SeenBefore(_ context.Context, hash string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.dedup[hash]; ok && time.Now().Before(exp) {
		return true, nil
	}
	m.dedup[hash] = time.Now().Add(ttl)
	return false, nil
}

// WithLock runs fn while holding key, returning an error if the lock is
// already held (the caller's stale-state/contention path) or if fn
// fails.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func() error) error {
	ok, err := l.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock: %s already held", key)
	}
	defer l.Unlock(ctx, key)
	return fn()
}
