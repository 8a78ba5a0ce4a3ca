package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// SessionMethods exposes session inspection and cleanup via WebSocket RPC.
type SessionMethods struct {
	mgr *sessions.Manager
}

// NewSessionMethods creates a handler over the session manager.
func NewSessionMethods(mgr *sessions.Manager) *SessionMethods {
	return &SessionMethods{mgr: mgr}
}

// Register registers all session RPC methods.
func (m *SessionMethods) Register(r *gateway.MethodRouter) {
	r.Register(protocol.MethodSessionsList, m.handleList)
	r.Register(protocol.MethodSessionsDelete, m.handleDelete)
	r.Register(protocol.MethodSessionsReset, m.handleReset)
}

func (m *SessionMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Channel string `json:"channel"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	infos := m.mgr.List(params.Channel)
	sort.Slice(infos, func(i, j int) bool { return infos[i].Updated.After(infos[j].Updated) })

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"sessions": infos,
		"count":    len(infos),
	}))
}

func (m *SessionMethods) handleDelete(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Key string `json:"key"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.Key == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key is required"))
		return
	}
	if !m.mgr.Exists(params.Key) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "session not found: "+params.Key))
		return
	}

	if err := m.mgr.Delete(params.Key); err != nil {
		slog.Error("gateway.sessions.delete", "key", params.Key, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "failed to delete session"))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"status": "deleted"}))
}

// handleReset clears history and summary but keeps the session alive, so
// the next message starts a fresh conversation under the same key.
func (m *SessionMethods) handleReset(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Key string `json:"key"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.Key == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "key is required"))
		return
	}
	if !m.mgr.Exists(params.Key) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "session not found: "+params.Key))
		return
	}

	m.mgr.Reset(params.Key)
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"status": "reset"}))
}
