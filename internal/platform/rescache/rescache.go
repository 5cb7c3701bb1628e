// Package rescache provides an in-memory cache for derived display values
// such as resolved avatar URLs. Entries carry a TTL and an error budget:
// a value past its TTL or marked failed too many times is treated as absent
// so the caller re-derives it.
package rescache

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultTTL       = 5 * time.Minute
	defaultMaxErrors = 3
)

// Config controls cache behavior.
type Config struct {
	// TTL bounds how long an entry is served after insertion.
	TTL time.Duration
	// MaxErrors bounds how many failures an entry absorbs before eviction.
	MaxErrors int
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	errorCount int
}

// Cache stores derived values keyed by derivation signals.
type Cache[V any] struct {
	mu        sync.RWMutex
	ttl       time.Duration
	maxErrors int
	clock     func() time.Time
	entries   map[string]entry[V]
}

// New creates a cache with normalized configuration.
func New[V any](cfg Config) *Cache[V] {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxErrors := cfg.MaxErrors
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache[V]{
		ttl:       ttl,
		maxErrors: maxErrors,
		clock:     clock,
		entries:   make(map[string]entry[V]),
	}
}

// Key derives a cache key from identity signals. The primary signal wins
// when present, then the name signal, then the entity id alone. Distinct
// signal classes never collide.
func Key(entityID, primarySignal, nameSignal string) string {
	entityID = strings.TrimSpace(entityID)
	if primary := strings.TrimSpace(primarySignal); primary != "" {
		return "p|" + entityID + "|" + primary
	}
	if name := strings.TrimSpace(nameSignal); name != "" {
		return "n|" + entityID + "|" + name
	}
	return "e|" + entityID
}

// Get returns the cached value for key. An entry that was never set or is
// past its TTL reports absent. The read path never mutates cache state.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	age := c.clock().Sub(e.insertedAt)
	if age < 0 || age > c.ttl {
		return zero, false
	}
	return e.value, true
}

// Set upserts the value for key, stamping the insertion time and resetting
// the entry's error count.
func (c *Cache[V]) Set(key string, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.clock()}
	c.mu.Unlock()
}

// MarkError records one failure against the entry and reports whether that
// failure evicted it. Reaching the error bound evicts the entry so the next
// Get misses. Unknown keys are a no-op.
func (c *Cache[V]) MarkError(key string) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.errorCount++
	if e.errorCount >= c.maxErrors {
		delete(c.entries, key)
		return true
	}
	c.entries[key] = e
	return false
}

// Flush drops every entry.
func (c *Cache[V]) Flush() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}
