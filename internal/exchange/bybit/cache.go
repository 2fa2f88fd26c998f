package bybit

import (
	"context"
	"sync"
	"time"
)

// staleCache caches one fetched value with a freshness TTL. When a refresh
// fails, the previous value is still served within the stale window and the
// caller is told the data is degraded.
type staleCache[T any] struct {
	ttl   time.Duration
	stale time.Duration

	mu        sync.Mutex
	val       T
	ok        bool
	fetchedAt time.Time
	fetchErr  error
}

func newStaleCache[T any](ttl, stale time.Duration) *staleCache[T] {
	return &staleCache[T]{ttl: ttl, stale: stale}
}

func (c *staleCache[T]) get(ctx context.Context, fetch func(context.Context) (T, error)) (v T, degraded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := time.Since(c.fetchedAt)
	if c.ok && age < c.ttl {
		return c.val, false, nil
	}

	fresh, err := fetch(ctx)
	if err == nil {
		c.val = fresh
		c.ok = true
		c.fetchedAt = time.Now()
		c.fetchErr = nil
		return fresh, false, nil
	}
	c.fetchErr = err

	if c.ok && age < c.stale {
		return c.val, true, nil
	}
	var zero T
	return zero, false, err
}

func (c *staleCache[T]) lastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchErr
}
