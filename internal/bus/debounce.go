package bus

import (
	"strings"
	"sync"
	"time"
)

// InboundDebouncer merges rapid consecutive messages from the same sender
// into one combined message before handing it to the flush callback. A new
// message from the same (channel, sender, chat) resets the timer; distinct
// senders flush independently.
type InboundDebouncer struct {
	window time.Duration
	flush  func(InboundMessage)

	mu      sync.Mutex
	pending map[string]*pendingGroup
	stopped bool
}

type pendingGroup struct {
	msgs  []InboundMessage
	timer *time.Timer
}

// NewInboundDebouncer creates a debouncer; window <= 0 disables merging
// (messages flush immediately).
func NewInboundDebouncer(window time.Duration, flush func(InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

// Push adds a message. High-priority messages bypass the window entirely so
// urgent traffic is never delayed behind the merge timer.
func (d *InboundDebouncer) Push(msg InboundMessage) {
	if d.window <= 0 || msg.Priority == PriorityHigh {
		d.flush(msg)
		return
	}

	key := msg.Channel + "|" + msg.SenderID + "|" + msg.ChatID

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.flush(msg)
		return
	}
	g, ok := d.pending[key]
	if !ok {
		g = &pendingGroup{}
		d.pending[key] = g
	}
	g.msgs = append(g.msgs, msg)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(d.window, func() { d.fire(key) })
	d.mu.Unlock()
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	g, ok := d.pending[key]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.flush(mergeMessages(g.msgs))
}

// Stop flushes all pending groups immediately and stops accepting merges.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	groups := make([]*pendingGroup, 0, len(d.pending))
	for k, g := range d.pending {
		if g.timer != nil {
			g.timer.Stop()
		}
		groups = append(groups, g)
		delete(d.pending, k)
	}
	d.mu.Unlock()

	for _, g := range groups {
		d.flush(mergeMessages(g.msgs))
	}
}

// mergeMessages joins the contents of a burst with newlines, keeping the
// first message's identity and the union of media. The highest priority in
// the burst wins.
func mergeMessages(msgs []InboundMessage) InboundMessage {
	if len(msgs) == 1 {
		return msgs[0]
	}

	merged := msgs[0]
	parts := make([]string, 0, len(msgs))
	best := merged.Priority
	for i, m := range msgs {
		if m.Content != "" {
			parts = append(parts, m.Content)
		}
		if i > 0 && len(m.Media) > 0 {
			merged.Media = append(merged.Media, m.Media...)
		}
		if m.Priority.Rank() > best.Rank() {
			best = m.Priority
		}
	}
	merged.Content = strings.Join(parts, "\n")
	merged.Priority = best
	return merged
}
