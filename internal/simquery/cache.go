package simquery

import (
	"sync"
	"time"
)

// ResultCache maps identifiers to prior results with a bounded lifetime.
// Expired entries are evicted lazily on lookup. When the map grows past the
// ceiling the whole cache is cleared at once; that is a crude admission
// valve, not LRU, and it matches how the upstream operators run this site.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	maxSize int
	clock   Clock
}

type cacheEntry struct {
	result    QueryResult
	expiresAt time.Time
}

// NewResultCache builds a cache with the given entry TTL and size ceiling.
func NewResultCache(ttl time.Duration, maxSize int, clock Clock) *ResultCache {
	return &ResultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clock,
	}
}

// Get returns the cached result for an identifier if one exists and has not
// expired. An expired entry is deleted on the way out.
func (c *ResultCache) Get(iccid string) (QueryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[iccid]
	if !ok {
		return QueryResult{}, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		delete(c.entries, iccid)
		return QueryResult{}, false
	}
	return entry.result, true
}

// Put stores a result with a fresh TTL, clearing the whole cache first when
// the ceiling has been exceeded.
func (c *ResultCache) Put(iccid string, result QueryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[iccid] = cacheEntry{
		result:    result,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// Len returns the current entry count.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
