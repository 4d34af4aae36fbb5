package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore counts attempts per key in fixed windows. Incr must be atomic
// for concurrent callers of the same key.
type CounterStore interface {
	// Incr adds one attempt to key and returns the count in the current
	// window and the time until the window closes.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type windowCount struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is a process-local CounterStore.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*windowCount
}

// NewMemoryCounter creates a MemoryCounter. A nil clock means time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, windows: make(map[string]*windowCount)}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &windowCount{resetAt: now.Add(window)}
		m.windows[key] = w
		m.sweep(now)
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}

// sweep drops closed windows so idle clients do not accumulate.
func (m *MemoryCounter) sweep(now time.Time) {
	if len(m.windows) < 1024 {
		return
	}
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}

// RedisCounter shares attempt counts between server instances.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a RedisCounter. Keys are stored under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (r *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	key = r.prefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("abuse: redis incr %s: %w", key, err)
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}
