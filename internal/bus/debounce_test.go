package bus

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu     sync.Mutex
	merged []InboundMessage
}

func (r *flushRecorder) flush(msg InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merged = append(r.merged, msg)
}

func (r *flushRecorder) wait(t *testing.T, n int) []InboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := len(r.merged)
		r.mu.Unlock()
		if got >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.merged) < n {
		t.Fatalf("flushed %d messages, want at least %d", len(r.merged), n)
	}
	out := make([]InboundMessage, len(r.merged))
	copy(out, r.merged)
	return out
}

func TestDebounceMergesBurst(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(30*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "first"})
	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "second"})
	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "third"})

	merged := rec.wait(t, 1)
	if len(merged) != 1 {
		t.Fatalf("got %d flushes, want 1", len(merged))
	}
	if merged[0].Content != "first\nsecond\nthird" {
		t.Errorf("merged content = %q", merged[0].Content)
	}
}

func TestDebounceSeparateKeys(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(20*time.Millisecond, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "a"})
	d.Push(InboundMessage{Channel: "telegram", SenderID: "u2", ChatID: "c1", Content: "b"})

	merged := rec.wait(t, 2)
	if len(merged) != 2 {
		t.Fatalf("got %d flushes, want 2 (distinct senders)", len(merged))
	}
}

func TestDebounceHighPriorityBypasses(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "urgent", Priority: PriorityHigh})

	merged := rec.wait(t, 1)
	if merged[0].Content != "urgent" {
		t.Errorf("content = %q, want urgent", merged[0].Content)
	}
}

func TestDebounceZeroWindowImmediate(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(0, rec.flush)
	defer d.Stop()

	d.Push(InboundMessage{Channel: "cli", SenderID: "u", ChatID: "c", Content: "now"})
	merged := rec.wait(t, 1)
	if merged[0].Content != "now" {
		t.Errorf("content = %q", merged[0].Content)
	}
}

func TestDebounceStopFlushesPending(t *testing.T) {
	rec := &flushRecorder{}
	d := NewInboundDebouncer(time.Hour, rec.flush)

	d.Push(InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "c1", Content: "pending"})
	d.Stop()

	merged := rec.wait(t, 1)
	if merged[0].Content != "pending" {
		t.Errorf("content = %q, want pending", merged[0].Content)
	}
}

func TestMergeMessagesPicksHighestPriority(t *testing.T) {
	msgs := []InboundMessage{
		{Content: "a", Priority: PriorityLow},
		{Content: "b", Priority: PriorityHigh},
		{Content: "c", Priority: PriorityNormal},
	}
	m := mergeMessages(msgs)
	if m.Priority != PriorityHigh {
		t.Errorf("priority = %q, want high", m.Priority)
	}
	if m.Content != "a\nb\nc" {
		t.Errorf("content = %q", m.Content)
	}
}

func TestMergeMessagesUnionsMedia(t *testing.T) {
	msgs := []InboundMessage{
		{Content: "a", Media: []string{"one.png"}},
		{Content: "b", Media: []string{"two.png"}},
	}
	m := mergeMessages(msgs)
	if len(m.Media) != 2 {
		t.Fatalf("media = %v, want 2 entries", m.Media)
	}
}
