package cache

import (
	"sync"
	"time"
)

// TTL is a bounded in-memory cache with per-cache expiry. Entries older than
// the TTL are treated as absent; when a maximum size is configured, inserts
// evict the oldest entries first. All methods are safe for concurrent use.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    map[K]*entry[V]
	order      []K
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Option customises cache construction.
type Option[K comparable, V any] func(*TTL[K, V])

// WithMaxEntries bounds the cache; zero or negative means unbounded.
func WithMaxEntries[K comparable, V any](max int) Option[K, V] {
	return func(c *TTL[K, V]) { c.maxEntries = max }
}

// WithClock overrides the time source, primarily for tests.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *TTL[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTTL constructs a cache whose entries expire after ttl.
func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option[K, V]) *TTL[K, V] {
	c := &TTL[K, V]{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[K]*entry[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value when present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expired(e, c.now()) {
		c.remove(key)
		return zero, false
	}
	return e.value, true
}

// Put stores a value, refreshing its age. Inserting beyond the size bound
// evicts the oldest entries until the bound holds.
func (c *TTL[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		c.removeFromOrder(key)
	}
	c.entries[key] = &entry[V]{value: value, storedAt: c.now()}
	c.order = append(c.order, key)

	if c.maxEntries > 0 {
		for len(c.entries) > c.maxEntries {
			c.remove(c.order[0])
		}
	}
}

// Delete drops a single key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
}

// Clear empties the cache.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]*entry[V])
	c.order = nil
}

// Len reports the number of stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RemoveExpired drops every entry past its TTL and returns how many were
// removed. Intended to be driven by a periodic sweeper.
func (c *TTL[K, V]) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for i := 0; i < len(c.order); {
		key := c.order[i]
		e, ok := c.entries[key]
		if ok && !c.expired(e, now) {
			i++
			continue
		}
		c.remove(key)
		removed++
	}
	return removed
}

func (c *TTL[K, V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.storedAt) >= c.ttl
}

func (c *TTL[K, V]) remove(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	c.removeFromOrder(key)
}

func (c *TTL[K, V]) removeFromOrder(key K) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}
