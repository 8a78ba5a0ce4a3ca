package router

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

// breakerEntry tracks one provider's failure streak.
type breakerEntry struct {
	failures      int
	cooldownUntil time.Time
	lastReason    providers.FailoverReason
}

// CircuitBreaker holds per-provider cooldowns. Each consecutive failure
// doubles the cooldown from base up to cap; one success clears it.
type CircuitBreaker struct {
	mu      sync.Mutex
	entries map[string]*breakerEntry
	base    time.Duration
	cap     time.Duration
	now     func() time.Time
}

// NewCircuitBreaker builds a breaker. Zero base/cap fall back to the
// defaults of 2 s and 5 min.
func NewCircuitBreaker(base, cap time.Duration) *CircuitBreaker {
	if base <= 0 {
		base = 2 * time.Second
	}
	if cap <= 0 {
		cap = 5 * time.Minute
	}
	return &CircuitBreaker{
		entries: make(map[string]*breakerEntry),
		base:    base,
		cap:     cap,
		now:     time.Now,
	}
}

// cooldownFor computes base·2^(attempts−1) capped.
func (b *CircuitBreaker) cooldownFor(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.cap {
			return b.cap
		}
	}
	if d > b.cap {
		return b.cap
	}
	return d
}

// RecordFailure increments the failure streak and extends the cooldown.
// opened is true only on the transition from not-cooling to cooling.
func (b *CircuitBreaker) RecordFailure(id string, reason providers.FailoverReason) (opened bool, failures int, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[id]
	if e == nil {
		e = &breakerEntry{}
		b.entries[id] = e
	}

	now := b.now()
	wasCooling := e.cooldownUntil.After(now)

	e.failures++
	e.lastReason = reason
	e.cooldownUntil = now.Add(b.cooldownFor(e.failures))

	return !wasCooling, e.failures, e.cooldownUntil
}

// RecordSuccess clears the streak. recovering is true when the provider was
// in cooldown or carried failures; reason is the last failure reason.
func (b *CircuitBreaker) RecordSuccess(id string) (recovering bool, reason providers.FailoverReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entries[id]
	if e == nil {
		return false, ""
	}
	recovering = e.failures > 0 || e.cooldownUntil.After(b.now())
	reason = e.lastReason
	delete(b.entries, id)
	return recovering, reason
}

// IsCoolingDown reports whether the provider is inside its cooldown window.
func (b *CircuitBreaker) IsCoolingDown(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[id]
	return e != nil && e.cooldownUntil.After(b.now())
}

// Failures returns the current consecutive failure count.
func (b *CircuitBreaker) Failures(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e := b.entries[id]; e != nil {
		return e.failures
	}
	return 0
}

// Clear drops all breaker state for a provider.
func (b *CircuitBreaker) Clear(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

// BreakerState is a snapshot row for status surfaces.
type BreakerState struct {
	ID            string                   `json:"id"`
	Failures      int                      `json:"failures"`
	CoolingDown   bool                     `json:"coolingDown"`
	CooldownUntil time.Time                `json:"cooldownUntil,omitempty"`
	LastReason    providers.FailoverReason `json:"lastReason,omitempty"`
}

// Snapshot returns the current streaks, cooled or not.
func (b *CircuitBreaker) Snapshot() map[string]BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make(map[string]BreakerState, len(b.entries))
	for id, e := range b.entries {
		out[id] = BreakerState{
			ID:            id,
			Failures:      e.failures,
			CoolingDown:   e.cooldownUntil.After(now),
			CooldownUntil: e.cooldownUntil,
			LastReason:    e.lastReason,
		}
	}
	return out
}
