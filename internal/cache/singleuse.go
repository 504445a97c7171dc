// Package cache implements the short-lived, consume-on-read cache used for
// route and derived-variable preloading. A preloaded computation is handed to
// exactly one consumer: whoever reads the entry becomes the owner of that
// in-flight result, and any duplicate navigation recomputes instead of
// replaying a stale promise.
package cache

import (
	"sync"
	"time"
)

// DefaultTimeout is how long an entry stays consumable.
const DefaultTimeout = 5 * time.Second

type entry[T any] struct {
	value   T
	stored  time.Time
	timeout time.Duration
}

// SingleUse maps string keys to timestamped values. Get consumes; stale
// entries read as a miss without being evicted by Get itself.
type SingleUse[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	timeout time.Duration

	// now is swapped out in tests.
	now func() time.Time
}

// New creates a cache with the given default entry timeout. A non-positive
// timeout falls back to DefaultTimeout.
func New[T any](timeout time.Duration) *SingleUse[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SingleUse[T]{
		entries: make(map[string]entry[T]),
		timeout: timeout,
		now:     time.Now,
	}
}

// Set stores a value under key with the cache's default timeout, replacing any
// previous entry.
func (c *SingleUse[T]) Set(key string, v T) {
	c.SetWithTimeout(key, v, c.timeout)
}

// SetWithTimeout stores a value with a per-entry timeout.
func (c *SingleUse[T]) SetWithTimeout(key string, v T, timeout time.Duration) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{value: v, stored: c.now(), timeout: timeout}
}

// Get returns the entry under key and deletes it, provided it has not outlived
// its timeout. A stale entry is a miss and stays in place.
func (c *SingleUse[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.stale(e) {
		var zero T
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// SetIfMissing checks key for a live entry without consuming it; if the entry
// is missing or stale it invokes compute and stores the result. This guards
// against duplicate concurrent prefetch for the same key. compute runs under
// the cache lock so two racing callers cannot both compute.
func (c *SingleUse[T]) SetIfMissing(key string, compute func() T) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !c.stale(e) {
		return e.value
	}
	v := compute()
	c.entries[key] = entry[T]{value: v, stored: c.now(), timeout: c.timeout}
	return v
}

// Len reports the number of entries, stale ones included.
func (c *SingleUse[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SingleUse[T]) stale(e entry[T]) bool {
	return c.now().Sub(e.stored) > e.timeout
}
