package router

import (
	"sync"
	"time"
)

// healthEntry is one cached probe result.
type healthEntry struct {
	ok        bool
	detail    string
	checkedAt time.Time
}

// healthCache stores probe results keyed by provider id. Entries expire per
// lookup against the caller-supplied TTL, so providers with different
// cacheTtl settings share one cache.
type healthCache struct {
	mu      sync.Mutex
	entries map[string]healthEntry
	now     func() time.Time
}

func newHealthCache() *healthCache {
	return &healthCache{
		entries: make(map[string]healthEntry),
		now:     time.Now,
	}
}

// get returns the cached result if it is younger than ttl.
func (c *healthCache) get(id string, ttl time.Duration) (ok, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[id]
	if !exists || c.now().Sub(e.checkedAt) > ttl {
		return false, false
	}
	return e.ok, true
}

func (c *healthCache) set(id string, ok bool, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = healthEntry{ok: ok, detail: detail, checkedAt: c.now()}
}

func (c *healthCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// clear drops every entry; used when routing changes so stale health does
// not keep a demoted provider alive.
func (c *healthCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]healthEntry)
}
