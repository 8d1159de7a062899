// Package cache provides a thread-safe TTL cache used for short-lived
// response caching (e.g. portfolio recommendations that stay valid for a few
// minutes). Entries are evicted lazily on access and by a background sweep.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats holds cache observability counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// TTL is a thread-safe cache whose entries expire a fixed duration after
// being set. Writes re-arm the entry's TTL.
type TTL[V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]*entry[V]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	done chan struct{}
	once sync.Once
}

// NewTTL creates a TTL cache and starts its background cleanup sweep.
// The sweep stops when ctx is cancelled or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration) *TTL[V] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl / 2
	}

	c := &TTL[V]{
		ttl:   ttl,
		items: make(map[string]*entry[V]),
		done:  make(chan struct{}),
	}

	go c.sweep(ctx, cleanupInterval)
	return c
}

// Get retrieves a value by key, treating expired entries as misses.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	now := time.Now()
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	if e.expired(now) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expired(now) {
			delete(c.items, key)
			c.evictions.Add(1)
		}
		c.mu.Unlock()

		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores a value, re-arming the TTL for existing keys.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = &entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete removes a key. Returns true if it was present.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	return true
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns a snapshot of cache counters.
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *TTL[V]) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.items {
				if e.expired(now) {
					delete(c.items, key)
					c.evictions.Add(1)
				}
			}
			c.mu.Unlock()
		}
	}
}
