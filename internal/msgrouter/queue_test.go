package msgrouter

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
)

func queued(id string, p bus.Priority) queuedMessage {
	return queuedMessage{msg: bus.InboundMessage{ID: id, Priority: p}, enqueuedAt: time.Now()}
}

func ids(q *messageQueue) []string {
	out := make([]string, len(q.items))
	for i, it := range q.items {
		out[i] = it.msg.ID
	}
	return out
}

func TestMessageQueueInsertOrdering(t *testing.T) {
	tests := []struct {
		name    string
		arrival []queuedMessage
		want    []string
	}{
		{
			"priority sorts ahead",
			[]queuedMessage{
				queued("n", bus.PriorityNormal),
				queued("l", bus.PriorityLow),
				queued("h", bus.PriorityHigh),
			},
			[]string{"h", "n", "l"},
		},
		{
			"equal priority keeps arrival order",
			[]queuedMessage{
				queued("a", bus.PriorityNormal),
				queued("b", bus.PriorityNormal),
				queued("c", bus.PriorityNormal),
			},
			[]string{"a", "b", "c"},
		},
		{
			"high inserts before normal block",
			[]queuedMessage{
				queued("a", bus.PriorityNormal),
				queued("b", bus.PriorityNormal),
				queued("h", bus.PriorityHigh),
				queued("h2", bus.PriorityHigh),
			},
			[]string{"h", "h2", "a", "b"},
		},
		{
			"unknown priority ranks normal",
			[]queuedMessage{
				queued("l", bus.PriorityLow),
				queued("u", bus.Priority("")),
			},
			[]string{"u", "l"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &messageQueue{}
			for _, item := range tt.arrival {
				q.insert(item)
			}
			got := ids(q)
			if len(got) != len(tt.want) {
				t.Fatalf("queue = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("queue = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMessageQueuePop(t *testing.T) {
	q := &messageQueue{}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on empty queue returned ok")
	}
	q.insert(queued("a", bus.PriorityNormal))
	q.insert(queued("b", bus.PriorityHigh))

	head, ok := q.pop()
	if !ok || head.msg.ID != "b" {
		t.Fatalf("pop = %v %v, want b", head.msg.ID, ok)
	}
	head, ok = q.pop()
	if !ok || head.msg.ID != "a" {
		t.Fatalf("pop = %v %v, want a", head.msg.ID, ok)
	}
	if q.len() != 0 {
		t.Fatalf("len = %d after draining", q.len())
	}
}

func TestMessageQueueEvictTailBelow(t *testing.T) {
	q := &messageQueue{}
	q.insert(queued("n", bus.PriorityNormal))
	q.insert(queued("l", bus.PriorityLow))

	if _, ok := q.evictTailBelow(bus.PriorityLow.Rank()); ok {
		t.Fatal("evicted tail of equal priority")
	}
	victim, ok := q.evictTailBelow(bus.PriorityHigh.Rank())
	if !ok || victim.msg.ID != "l" {
		t.Fatalf("evict = %v %v, want l", victim.msg.ID, ok)
	}
	if got := ids(q); len(got) != 1 || got[0] != "n" {
		t.Fatalf("queue = %v, want [n]", got)
	}
	if _, ok := q.evictTailBelow(bus.PriorityHigh.Rank()); !ok {
		t.Fatal("normal tail should yield to high")
	}
	if _, ok := q.evictTailBelow(bus.PriorityHigh.Rank()); ok {
		t.Fatal("evict on empty queue returned ok")
	}
}
