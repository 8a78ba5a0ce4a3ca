package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	httpapi "github.com/nextlevelbuilder/goant/internal/http"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// Deps are the core subsystems the control plane exposes. Sessions, Tasks,
// TaskStore and Discovery may be nil; the corresponding methods then answer
// not_found / internal errors instead of panicking.
type Deps struct {
	Providers *router.Manager
	Sessions  *sessions.Manager
	Tasks     *tasks.Queue
	TaskStore *tasks.Store
	Discovery *discovery.Service
}

// Server is the gateway control plane: a WebSocket RPC + event stream on /ws
// plus a small REST surface for provider and task administration.
type Server struct {
	cfg      *config.Config
	eventPub bus.EventPublisher
	deps     Deps
	router   *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	startedAt  time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		eventPub:  eventPub,
		deps:      deps,
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0  → enabled at that RPM
	// rate_limit_rpm == 0 → default 20
	// rate_limit_rpm < 0  → disabled explicitly
	rpm := cfg.Gateway.RateLimitRPM
	if rpm == 0 {
		rpm = 20
	}
	s.rateLimiter = NewRateLimiter(rpm, 5)

	s.router = NewMethodRouter(s)
	return s
}

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

// RateLimiter returns the server's rate limiter for use by method handlers.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// Config returns the gateway's configuration.
func (s *Server) Config() *config.Config { return s.cfg }

// Providers returns the provider router; may be nil in tests.
func (s *Server) Providers() *router.Manager { return s.deps.Providers }

// Sessions returns the session manager.
func (s *Server) Sessions() *sessions.Manager { return s.deps.Sessions }

// TaskQueue returns the task queue.
func (s *Server) TaskQueue() *tasks.Queue { return s.deps.Tasks }

// TaskStore returns the task store.
func (s *Server) TaskStore() *tasks.Store { return s.deps.TaskStore }

// Discovery returns the discovery service.
func (s *Server) Discovery() *discovery.Service { return s.deps.Discovery }

// checkOrigin validates WebSocket connection origin against the allowed
// origins whitelist. No configured origins allows all (dev mode). An empty
// Origin header (non-browser clients like the CLI) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners
// (e.g. a tailnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWebSocket)

	// HTTP API endpoints
	mux.HandleFunc("/health", s.handleHealth)

	// Provider administration REST API
	if s.deps.Providers != nil {
		ph := httpapi.NewProvidersHandler(s.deps.Providers, s.cfg.Gateway.Token)
		ph.RegisterRoutes(mux)
	}

	// Task inspection REST API
	if s.deps.TaskStore != nil {
		th := httpapi.NewTasksHandler(s.deps.TaskStore, s.deps.Tasks, s.cfg.Gateway.Token)
		th.RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// ClientCount reports the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	// Forward bus events to this client. Unauthenticated clients get
	// nothing; the filter rechecks on every event so a mid-stream connect
	// opens the tap.
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if !c.Authed() {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// StartTestServer creates a listener on :0 (random port) and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		go s.httpServer.Serve(ln)
	}

	return addr, start
}
