package bus

import "context"

// Priority levels for inbound messages. Higher sorts ahead in the
// message router's per-session queues.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a comparable weight (higher = more urgent).
// Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// InboundMessage is a normalized message received from a channel adapter
// (Telegram, WhatsApp, CLI, ...). Adapters own the normalization; the core
// never sees transport-specific shapes.
type InboundMessage struct {
	ID         string            `json:"id"`
	Channel    string            `json:"channel"`
	SenderID   string            `json:"sender_id"`
	ChatID     string            `json:"chat_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	Content    string            `json:"content"`
	Media      []string          `json:"media,omitempty"`
	SessionKey string            `json:"session_key,omitempty"` // canonical channel:type:rest, built by the router if empty
	Priority   Priority          `json:"priority,omitempty"`
	Timestamp  int64             `json:"timestamp,omitempty"` // unix ms
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to be delivered through a channel adapter.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Media    []MediaAttachment `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MediaAttachment is a media file sent with a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg")
	Caption     string `json:"caption,omitempty"`
}

// Event is a monitor-bus event. Name is one of the protocol.Event*
// constants; Payload shape depends on the event.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// MessageHandler handles an inbound message from a specific channel.
type MessageHandler func(InboundMessage) error

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. The gateway
// server, the main agent, and the task queue all publish and subscribe
// through this so none of them holds a reference to another.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageBusIface abstracts inbound/outbound message movement between
// channel adapters and the core. The concrete MessageBus implements both
// this and EventPublisher.
type MessageBusIface interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
