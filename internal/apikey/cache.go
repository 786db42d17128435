package apikey

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeward/gateguard/internal/observability"
)

// DefaultCacheTTL is how long a validation cache entry is trusted.
const DefaultCacheTTL = 5 * time.Minute

// Cache is the short-TTL validation cache, keyed by key hash. Entries hold a
// snapshot of the record and expire after the cache's own TTL regardless of
// the record's expiry; stale entries are reclaimed by a sweep loop rather
// than per-entry timers.
type Cache struct {
	ttl    time.Duration
	logger observability.Logger

	mu      sync.RWMutex
	entries map[string]*cacheEntry

	hits   int64
	misses int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// cacheEntry is one cached record snapshot.
type cacheEntry struct {
	key       *Key
	expiresAt time.Time
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// NewCache creates a validation cache with the given TTL and starts its
// sweep loop. Call Close to stop it.
func NewCache(ttl time.Duration, logger observability.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &Cache{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]*cacheEntry),
		stopCh:  make(chan struct{}),
	}

	go c.sweepLoop()

	return c
}

// Get returns the cached record for the hash. A hit past the entry's TTL is
// treated as a miss even if the underlying record would still be valid.
func (c *Cache) Get(keyHash string) (*Key, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyHash]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return entry.key.Clone(), true
}

// Put stores a snapshot of the record under its hash.
func (c *Cache) Put(keyHash string, key *Key) {
	entry := &cacheEntry{
		key:       key.Clone(),
		expiresAt: time.Now().Add(c.ttl),
	}

	c.mu.Lock()
	c.entries[keyHash] = entry
	c.mu.Unlock()
}

// Invalidate drops the entry for the hash.
func (c *Cache) Invalidate(keyHash string) {
	c.mu.Lock()
	delete(c.entries, keyHash)
	c.mu.Unlock()
}

// Stats returns cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
		Size:   size,
	}
}

// Close stops the sweep loop. Idempotent.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
	})
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep removes expired entries.
func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	removed := 0
	for hash, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, hash)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("validation cache sweep completed",
			observability.Int("removed", removed))
	}
}
