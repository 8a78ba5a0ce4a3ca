package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueDepth = 256

// MessageBus is the in-process hub connecting channel adapters, the message
// router, the task engine, and the gateway. Inbound/outbound messages move
// through buffered channels; events fan out to named subscribers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// New creates a MessageBus with default queue depths.
func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultQueueDepth),
		outbound:    make(chan OutboundMessage, defaultQueueDepth),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a normalized inbound message. Drops (with a log
// line) if the inbound queue is saturated — adapters must not block.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("bus.inbound_overflow", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
// The second return is false when the context was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("bus.outbound_overflow", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// ConsumeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under an id. Re-subscribing with the
// same id replaces the prior handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a handler. Unknown ids are a no-op.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to every subscriber synchronously, in
// unspecified order. Handlers must be fast; anything heavy goes to a
// goroutine on the handler's side.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
