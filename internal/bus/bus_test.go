package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	msg := InboundMessage{
		ID:        "m1",
		Channel:   "telegram",
		SenderID:  "u1",
		ChatID:    "c1",
		Content:   "hello",
		Priority:  PriorityNormal,
		Timestamp: time.Now().UnixMilli(),
	}
	b.PublishInbound(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message, got none")
	}
	if got.ID != "m1" || got.Content != "hello" {
		t.Errorf("got %+v, want id=m1 content=hello", got)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Error("expected no message after cancel")
	}
}

func TestPublishInboundOverflowDrops(t *testing.T) {
	b := New()
	for i := 0; i < defaultQueueDepth+10; i++ {
		b.PublishInbound(InboundMessage{ID: "x", Channel: "cli"})
	}
	// Channel holds at most defaultQueueDepth; the rest were dropped, not blocked.
	if n := len(b.inbound); n != defaultQueueDepth {
		t.Errorf("inbound depth = %d, want %d", n, defaultQueueDepth)
	}
}

func TestPublishConsumeOutbound(t *testing.T) {
	b := New()
	b.PublishOutbound(OutboundMessage{Channel: "telegram", ChatID: "c1", Content: "reply"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("expected an outbound message")
	}
	if got.ChatID != "c1" || got.Content != "reply" {
		t.Errorf("got %+v", got)
	}
}

func TestSubscribeBroadcast(t *testing.T) {
	b := New()
	var seen []Event
	b.Subscribe("sub1", func(ev Event) {
		seen = append(seen, ev)
	})
	b.Broadcast(Event{Name: "task_created", Payload: map[string]any{"taskId": "t1"}})
	if len(seen) != 1 || seen[0].Name != "task_created" {
		t.Fatalf("seen = %+v, want one task_created", seen)
	}

	b.Unsubscribe("sub1")
	b.Broadcast(Event{Name: "task_queued"})
	if len(seen) != 1 {
		t.Errorf("handler called after unsubscribe, seen = %d events", len(seen))
	}
}

func TestBroadcastMultipleSubscribers(t *testing.T) {
	b := New()
	counts := map[string]int{}
	b.Subscribe("a", func(Event) { counts["a"]++ })
	b.Subscribe("b", func(Event) { counts["b"]++ })
	b.Broadcast(Event{Name: "message_received"})
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("counts = %v, want both 1", counts)
	}
}
