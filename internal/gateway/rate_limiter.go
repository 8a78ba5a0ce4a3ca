package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a per-key token bucket. Each key (client id, sender id)
// gets rpm requests per minute with a short burst allowance on top.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	lastGC  time.Time
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter. rpm <= 0 disables it; Allow then always
// returns true.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		buckets: make(map[string]*bucket),
		lastGC:  time.Now(),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter is active.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.rpm > 0
}

// Allow consumes one token for key, reporting whether the request may
// proceed. A fresh key starts with a full minute's allowance plus burst.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cap := float64(rl.rpm + rl.burst)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: cap, last: now}
		rl.buckets[key] = b
	}

	// Refill at rpm/60 tokens per second.
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(rl.rpm) / 60
		if b.tokens > cap {
			b.tokens = cap
		}
		b.last = now
	}

	rl.maybeSweep(now)

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// maybeSweep drops buckets idle past a full refill. Called with mu held.
func (rl *RateLimiter) maybeSweep(now time.Time) {
	if now.Sub(rl.lastGC) < 5*time.Minute {
		return
	}
	rl.lastGC = now
	for key, b := range rl.buckets {
		if now.Sub(b.last) > 2*time.Minute {
			delete(rl.buckets, key)
		}
	}
}
