package msgrouter

import (
	"fmt"
	"testing"
	"time"
)

func TestInboundRateLimiterWindow(t *testing.T) {
	lim := NewInboundRateLimiter(3, time.Minute)
	clock := newFakeClock()
	lim.now = clock.Now

	for i := 0; i < 3; i++ {
		if !lim.Allow("telegram:7") {
			t.Fatalf("hit %d denied within budget", i+1)
		}
	}
	if lim.Allow("telegram:7") {
		t.Fatal("hit 4 allowed past budget")
	}
	if !lim.Allow("telegram:8") {
		t.Fatal("separate key throttled")
	}

	clock.Advance(61 * time.Second)
	if !lim.Allow("telegram:7") {
		t.Fatal("window rollover did not reset the budget")
	}
}

func TestInboundRateLimiterCapsTrackedKeys(t *testing.T) {
	lim := NewInboundRateLimiter(5, time.Minute)
	clock := newFakeClock()
	lim.now = clock.Now

	for i := 0; i < maxTrackedSenders+10; i++ {
		lim.Allow(fmt.Sprintf("sender-%d", i))
	}
	if len(lim.entries) > maxTrackedSenders {
		t.Fatalf("tracked keys = %d, cap %d", len(lim.entries), maxTrackedSenders)
	}
}
