package client

import (
	"strings"
	"sync"
	"time"

	"formcraft/api/internal/clock"
)

const DefaultTTL = 5 * time.Minute

type cacheEntry struct {
	data      any
	expiresAt time.Time
}

// Cache is an in-memory TTL cache keyed by resource path, e.g.
// "forms:list" or "submissions:<formID>:1".
type Cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]cacheEntry
}

// NewCache returns a cache whose entries default to ttl. A non-positive
// ttl selects DefaultTTL.
func NewCache(c clock.Clock, ttl time.Duration) *Cache {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{clock: c, ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *Cache) Set(key string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{data: data, expiresAt: c.clock.Now().Add(ttl)}
	c.mu.Unlock()
}

// Get returns the value under key. Expired entries are removed and
// reported as missing.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

// Evict sweeps expired entries and returns how many were removed.
func (c *Cache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Invalidate drops every key starting with prefix.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
