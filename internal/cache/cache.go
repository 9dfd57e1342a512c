// Package cache implements a bounded in-memory cache used for parsed
// markup fragments and other values that are expensive to rebuild.
package cache

import (
	"encoding/hex"
	"sync"
	"time"

	"lukechampine.com/blake3"
)

// Cache is a bounded, concurrency-safe key/value cache
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	maxItems int
	maxAge   time.Duration
	strategy EvictionStrategy
	now      func() time.Time
	tick     uint64
	stats    Stats
}

type entry[V any] struct {
	value       V
	created     time.Time
	inserted    uint64
	lastAccess  uint64
	accessCount int
}

// Stats tracks cache performance metrics
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	EntryCount int   `json:"entry_count"`
}

// EvictionStrategy defines how cache entries are removed
type EvictionStrategy int

const (
	// LRU removes least recently used entries
	LRU EvictionStrategy = iota
	// LFU removes least frequently used entries
	LFU
	// FIFO removes oldest entries first
	FIFO
)

// String returns the config name of the strategy
func (s EvictionStrategy) String() string {
	switch s {
	case LFU:
		return "lfu"
	case FIFO:
		return "fifo"
	default:
		return "lru"
	}
}

// ParseStrategy maps "lru", "lfu" or "fifo" to a strategy
func ParseStrategy(name string) (EvictionStrategy, bool) {
	switch name {
	case "lru", "":
		return LRU, true
	case "lfu":
		return LFU, true
	case "fifo":
		return FIFO, true
	}
	return LRU, false
}

// Config holds cache configuration
type Config struct {
	MaxEntries int              // Maximum number of entries (default: 256)
	MaxAge     time.Duration    // Maximum age for entries, zero means no expiry
	Strategy   EvictionStrategy // Eviction strategy (default: LRU)
	Now        func() time.Time // Clock, defaults to time.Now
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxEntries: 256,
		Strategy:   LRU,
	}
}

// New creates a new cache instance
func New[V any](config Config) *Cache[V] {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Cache[V]{
		entries:  make(map[string]*entry[V]),
		maxItems: config.MaxEntries,
		maxAge:   config.MaxAge,
		strategy: config.Strategy,
		now:      config.Now,
	}
}

// Get retrieves a cached value
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if c.isExpired(e) {
		delete(c.entries, key)
		c.stats.EntryCount = len(c.entries)
		c.stats.Misses++
		return zero, false
	}

	c.tick++
	e.lastAccess = c.tick
	e.accessCount++
	c.stats.Hits++
	return e.value, true
}

// Put stores a value, evicting according to the strategy when full
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.created = c.now()
		e.lastAccess = c.tick
		return
	}
	for len(c.entries) >= c.maxItems {
		if !c.evictOne() {
			break
		}
	}
	c.entries[key] = &entry[V]{
		value:      value,
		created:    c.now(),
		inserted:   c.tick,
		lastAccess: c.tick,
	}
	c.stats.EntryCount = len(c.entries)
}

// Delete removes an entry from the cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.stats.EntryCount = len(c.entries)
}

// Clear removes all cached entries and resets statistics
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.stats = Stats{}
}

// Len returns the number of entries
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// GetStats returns cache statistics
func (c *Cache[V]) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Key generates a cache key from inputs
func Key(inputs ...string) string {
	h := blake3.New(32, nil)
	for _, input := range inputs {
		h.Write([]byte(input))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache[V]) isExpired(e *entry[V]) bool {
	// If maxAge is 0 or negative, entries never expire
	if c.maxAge <= 0 {
		return false
	}
	return c.now().Sub(e.created) > c.maxAge
}

// evictOne drops expired entries first, then one entry chosen by strategy
func (c *Cache[V]) evictOne() bool {
	for key, e := range c.entries {
		if c.isExpired(e) {
			delete(c.entries, key)
			c.stats.Evictions++
			return true
		}
	}

	var evictKey string
	var victim *entry[V]
	for key, e := range c.entries {
		if victim == nil || c.before(e, victim) {
			evictKey, victim = key, e
		}
	}
	if victim == nil {
		return false
	}
	delete(c.entries, evictKey)
	c.stats.Evictions++
	return true
}

func (c *Cache[V]) before(a, b *entry[V]) bool {
	switch c.strategy {
	case LFU:
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.inserted < b.inserted
	case FIFO:
		return a.inserted < b.inserted
	default:
		return a.lastAccess < b.lastAccess
	}
}
