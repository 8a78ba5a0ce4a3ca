package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second
	// pongWait is how long a connection may stay silent before it is
	// considered dead. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxFrameBytes caps inbound request frames. Control traffic is small;
	// anything bigger is a broken or hostile client.
	maxFrameBytes = 512 * 1024
	// sendQueueSize is the outbound buffer per client. A slow reader that
	// falls this far behind starts losing events (responses are never
	// dropped silently; the drop is logged).
	sendQueueSize = 256
)

// Client is one WebSocket connection. Reads run on the connection goroutine,
// writes are serialized through the send channel by the write pump.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
	authed    atomic.Bool
	dropped   atomic.Int64
}

// NewClient wraps an upgraded connection. When the gateway has no token
// configured the client starts authenticated.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendQueueSize),
	}
	if s.cfg.Gateway.Token == "" {
		c.authed.Store(true)
	}
	return c
}

// ID returns the connection id used for bus subscriptions and rate limiting.
func (c *Client) ID() string { return c.id }

// Authed reports whether the client has completed the connect handshake.
func (c *Client) Authed() bool { return c.authed.Load() }

// setAuthed marks the handshake done. Called by the connect method handler.
func (c *Client) setAuthed() { c.authed.Store(true) }

// Run drives the connection until the peer disconnects or ctx is canceled.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()
	c.readLoop(ctx)
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
		c.conn.Close()
	})
}

// SendResponse queues an RPC response. Blocks briefly rather than dropping:
// losing a response would hang the caller's request forever.
func (c *Client) SendResponse(res *protocol.ResponseFrame) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("gateway.marshal_response", "client", c.id, "error", err)
		return
	}
	c.enqueue(data, true)
}

// SendEvent queues a broadcast event. Drops when the client cannot keep up.
func (c *Client) SendEvent(event protocol.EventFrame) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("gateway.marshal_event", "client", c.id, "error", err)
		return
	}
	c.enqueue(data, false)
}

func (c *Client) enqueue(data []byte, wait bool) {
	if c.closed.Load() {
		return
	}
	defer func() {
		// send may close concurrently with enqueue on disconnect.
		recover()
	}()
	if wait {
		select {
		case c.send <- data:
		case <-time.After(writeWait):
			slog.Warn("gateway.send_timeout", "client", c.id)
		}
		return
	}
	select {
	case c.send <- data:
	default:
		if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("gateway.events_dropped", "client", c.id, "total", n)
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("gateway.read_error", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameRequest {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "malformed request frame"))
			continue
		}

		c.server.router.Dispatch(ctx, c, &req)
	}
}

// writePump serializes all writes and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
