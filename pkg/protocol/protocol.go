package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever a frame shape or method contract
// changes incompatibly. Clients send their version in the connect method.
const ProtocolVersion = 1

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// RequestFrame is a client → server method invocation.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is the server's reply to a RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// EventFrame is a server → client push. Payload shape depends on Event.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorInfo carries a machine-readable code plus a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Well-known error codes returned by gateway methods.
const (
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeMethodUnknown = "method_not_found"
	ErrCodeBadParams     = "invalid_params"
	ErrCodeInternal      = "internal_error"
	ErrCodeNotFound      = "not_found"
	ErrCodeRateLimited   = "rate_limited"
)

// NewEvent builds an EventFrame for broadcast.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameEvent, Event: name, Payload: payload}
}

// NewResponse builds a success ResponseFrame for a request id.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failure ResponseFrame for a request id.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameResponse, ID: id, OK: false, Error: &ErrorInfo{Code: code, Message: message}}
}
