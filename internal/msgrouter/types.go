// Package msgrouter dispatches normalized inbound messages to handlers
// with per-session ordering, priority queues, and typing indicators, and
// routes outbound messages to the channel adapter that owns them.
package msgrouter

import (
	"context"
	"path"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
)

// Adapter is the transport for one channel. Implementations own the
// wire protocol; the router never sees transport shapes.
type Adapter interface {
	Name() string
	SendMessage(ctx context.Context, msg bus.OutboundMessage) error
	// SendTyping reports composing state to the chat. state is "typing"
	// or "paused". Channels without the concept return nil.
	SendTyping(ctx context.Context, chatID, state string) error
}

// Handler processes one dispatched inbound message.
type Handler func(ctx context.Context, msg bus.InboundMessage) error

// NextFunc advances the middleware chain. Returning nil drops the
// message.
type NextFunc func(msg *bus.InboundMessage) *bus.InboundMessage

// Middleware inspects or rewrites an inbound message before routing.
// Returning nil (without calling next) terminates the chain and drops
// the message.
type Middleware func(msg *bus.InboundMessage, next NextFunc) *bus.InboundMessage

// Route binds a handler to a set of match constraints. All non-empty
// constraints must hold for the route to match.
type Route struct {
	Name              string
	Channel           string       // exact channel, empty = any
	SessionKeyPattern string       // glob over the session key, empty = any
	MessagePriority   bus.Priority // exact priority, empty = any
	Priority          int          // route ordering, higher first
	Handler           Handler
}

func (rt Route) matches(msg bus.InboundMessage) bool {
	if rt.Channel != "" && rt.Channel != msg.Channel {
		return false
	}
	if rt.MessagePriority != "" && rt.MessagePriority != msg.Priority {
		return false
	}
	if rt.SessionKeyPattern != "" {
		ok, err := path.Match(rt.SessionKeyPattern, msg.SessionKey)
		if err != nil {
			// Bad pattern degrades to literal comparison.
			ok = rt.SessionKeyPattern == msg.SessionKey
		}
		if !ok {
			return false
		}
	}
	return true
}

// SessionEntry is the router's record of one live conversation.
type SessionEntry struct {
	SessionKey   string    `json:"sessionKey"`
	Channel      string    `json:"channel"`
	ChatID       string    `json:"chatId,omitempty"`
	ThreadID     string    `json:"threadId,omitempty"`
	User         string    `json:"user,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
}

// queuedMessage is one queue slot.
type queuedMessage struct {
	msg        bus.InboundMessage
	enqueuedAt time.Time
}

// messageQueue keeps items ordered by priority (non-increasing head to
// tail); equal priorities preserve arrival order.
type messageQueue struct {
	items []queuedMessage
}

// insert places item before the first slot with strictly lower priority;
// ties append after the equal block.
func (q *messageQueue) insert(item queuedMessage) {
	rank := item.msg.Priority.Rank()
	idx := len(q.items)
	for i := range q.items {
		if q.items[i].msg.Priority.Rank() < rank {
			idx = i
			break
		}
	}
	q.items = append(q.items, queuedMessage{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item
}

// pop removes and returns the head item.
func (q *messageQueue) pop() (queuedMessage, bool) {
	if len(q.items) == 0 {
		return queuedMessage{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

// evictTailBelow removes and returns the tail item when its priority is
// strictly lower than rank. By the ordering invariant the tail is always
// a lowest-priority, most-recent item.
func (q *messageQueue) evictTailBelow(rank int) (queuedMessage, bool) {
	n := len(q.items)
	if n == 0 {
		return queuedMessage{}, false
	}
	tail := q.items[n-1]
	if tail.msg.Priority.Rank() >= rank {
		return queuedMessage{}, false
	}
	q.items = q.items[:n-1]
	return tail, true
}

func (q *messageQueue) len() int {
	return len(q.items)
}
