package msgrouter

import (
	"sync"
	"time"
)

// maxTrackedSenders caps tracked rate-limit keys so rotating sender ids
// cannot exhaust memory.
const maxTrackedSenders = 4096

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// InboundRateLimiter bounds messages per sender within a sliding window.
// Safe for concurrent use.
type InboundRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	maxHits int
	window  time.Duration
	now     func() time.Time
}

// NewInboundRateLimiter builds a limiter allowing maxHits per key per
// window.
func NewInboundRateLimiter(maxHits int, window time.Duration) *InboundRateLimiter {
	if maxHits <= 0 {
		maxHits = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &InboundRateLimiter{
		entries: make(map[string]*rateLimitEntry),
		maxHits: maxHits,
		window:  window,
		now:     time.Now,
	}
}

// Allow reports whether the key may proceed, pruning stale entries and
// enforcing the tracked-key cap.
func (r *InboundRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedSenders {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedSenders {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
