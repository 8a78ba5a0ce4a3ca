package gateway

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// MethodHandler processes one RPC request. Handlers send their own response
// via client.SendResponse; long-running work may ACK and continue in a
// goroutine, pushing progress as events.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// rateExempt lists methods outside the per-client rate limit.
var rateExempt = map[string]bool{
	protocol.MethodConnect: true,
	protocol.MethodHealth:  true,
	protocol.MethodStatus:  true,
}

// MethodRouter dispatches request frames to registered method handlers.
// System methods (connect, health, status) come built in; subsystem methods
// register through Register at wiring time.
type MethodRouter struct {
	server   *Server
	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

// NewMethodRouter creates a router with the system methods registered.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{
		server:   s,
		handlers: make(map[string]MethodHandler),
	}
	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	r.Register(protocol.MethodStatus, r.handleStatus)
	return r
}

// Register binds a method name to a handler. Later registrations win, which
// lets tests stub a method out.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods returns the registered method names, unordered.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

// Dispatch routes one request frame. Auth and rate limiting happen here so
// individual handlers never re-check.
func (r *MethodRouter) Dispatch(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("gateway.method_panic", "method", req.Method, "panic", rec,
				"stack", string(debug.Stack()))
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "internal error"))
		}
	}()

	if !client.Authed() && req.Method != protocol.MethodConnect {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnauthorized, "connect first"))
		return
	}

	// Liveness methods stay exempt so dashboards can poll them freely.
	if !rateExempt[req.Method] && r.server.rateLimiter.Enabled() && !r.server.rateLimiter.Allow(client.id) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeRateLimited, "too many requests"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeMethodUnknown, "unknown method: "+req.Method))
		return
	}

	h(ctx, client, req)
}
