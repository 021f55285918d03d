package infra

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTLCache is a thread-safe cache with per-entry expiration and coalesced
// loading: concurrent misses on one key share a single loader call.
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]cacheEntry[V]
	loading map[K]*pendingLoad[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
	loads  atomic.Uint64
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

type pendingLoad[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// CacheConfig configures a TTL cache.
type CacheConfig struct {
	// TTL is the time-to-live for entries. Default: 5 minutes.
	TTL time.Duration
	// MaxSize limits the cache size (0 = unlimited). The oldest entry is
	// evicted when full.
	MaxSize int
	// Now overrides the clock.
	Now func() time.Time
}

// NewTTLCache creates a new TTL cache with the given configuration.
func NewTTLCache[K comparable, V any](config CacheConfig) *TTLCache[K, V] {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &TTLCache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		loading: make(map[K]*pendingLoad[V]),
		ttl:     config.TTL,
		maxSize: config.MaxSize,
		now:     config.Now,
	}
}

// Get returns a live value.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *TTLCache[K, V]) getLocked(key K) (V, bool) {
	entry, ok := c.entries[key]
	if ok && c.now().Before(entry.expiresAt) {
		c.hits.Add(1)
		return entry.value, true
	}
	if ok {
		delete(c.entries, key)
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set stores a value.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

func (c *TTLCache[K, V]) setLocked(key K, value V) {
	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = cacheEntry[V]{value: value, expiresAt: now.Add(c.ttl), createdAt: now}
}

// Load returns the cached value or calls loader once for all concurrent
// callers of the same key. Loader errors are returned to every waiter and
// nothing is cached.
func (c *TTLCache[K, V]) Load(key K, loader func() (V, error)) (V, error) {
	c.mu.Lock()
	if value, ok := c.getLocked(key); ok {
		c.mu.Unlock()
		return value, nil
	}
	if p, ok := c.loading[key]; ok {
		c.mu.Unlock()
		<-p.done
		return p.value, p.err
	}
	p := &pendingLoad[V]{done: make(chan struct{})}
	c.loading[key] = p
	c.mu.Unlock()

	c.loads.Add(1)
	p.value, p.err = loader()

	c.mu.Lock()
	delete(c.loading, key)
	if p.err == nil {
		c.setLocked(key, p.value)
	}
	c.mu.Unlock()
	close(p.done)
	return p.value, p.err
}

// Delete removes a key from the cache.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes all entries from the cache.
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]cacheEntry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Size   int
	Hits   uint64
	Misses uint64
	Loads  uint64
}

// Stats returns cache statistics.
func (c *TTLCache[K, V]) Stats() CacheStats {
	return CacheStats{
		Size:   c.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Loads:  c.loads.Load(),
	}
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *TTLCache[K, V]) evictOldest() {
	var oldestKey K
	var oldestTime time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
