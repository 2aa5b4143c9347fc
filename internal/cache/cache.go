// Package cache is a TTL-keyed store of raw source responses. Staleness
// within TTL is an accepted tradeoff, never a correctness concern; TTLs per
// endpoint class come from configuration, not from this package.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one cached raw response.
type Entry struct {
	Body      []byte
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Cache is an in-memory TTL map with prefix invalidation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Key builds a cache key from source kind, endpoint class, and request
// parameters. Parameters are hashed in sorted order so equivalent requests
// share an entry; the kind prefix keeps per-source invalidation possible.
func Key(sourceKind, endpointClass string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(params[k])
		b.WriteByte('|')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return sourceKind + ":" + endpointClass + ":" + hex.EncodeToString(sum[:8])
}

// Get returns the entry for key if present and unexpired.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have refreshed it.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return Entry{}, false
	}
	return e, true
}

// Put stores body under key with the given TTL, overwriting any prior entry.
func (c *Cache) Put(key string, body []byte, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = Entry{
		Body:      body,
		FetchedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
}

// Invalidate removes all entries whose key starts with prefix and returns the
// number removed. Used for manual clear-cache and forced resync, where the
// prefix is a source kind.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
