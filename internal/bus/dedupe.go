package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so webhook retries and
// double-taps don't schedule duplicate agent runs. Entries expire after a
// TTL; the cache evicts oldest entries past maxEntries.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache creates a cache with the given TTL and size cap.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether key was seen within the TTL, and records it.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}

	if len(d.seen) >= d.maxSize {
		d.evictLocked(now)
	}
	d.seen[key] = now
	return false
}

// evictLocked drops expired entries first, then the oldest live entries
// until under cap. Caller holds the lock.
func (d *DedupeCache) evictLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
	for len(d.seen) >= d.maxSize {
		var oldestKey string
		var oldestAt time.Time
		for k, at := range d.seen {
			if oldestKey == "" || at.Before(oldestAt) {
				oldestKey, oldestAt = k, at
			}
		}
		delete(d.seen, oldestKey)
	}
}

// Len returns the number of live entries (expired included until eviction).
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
