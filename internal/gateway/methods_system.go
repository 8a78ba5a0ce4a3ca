package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// handleConnect authenticates the client and reports server capabilities.
//
//	params: {"token": "...", "protocol": 1, "client": "goant-cli/1.0"}
func (r *MethodRouter) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token    string `json:"token"`
		Protocol int    `json:"protocol"`
		Client   string `json:"client"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	token := r.server.cfg.Gateway.Token
	if token != "" && subtle.ConstantTimeCompare([]byte(params.Token), []byte(token)) != 1 {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeUnauthorized, "invalid token"))
		return
	}

	if params.Protocol != 0 && params.Protocol != protocol.ProtocolVersion {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams,
			"unsupported protocol version"))
		return
	}

	client.setAuthed()
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": client.id,
		"methods":  r.Methods(),
	}))
}

// handleHealth is the cheap liveness probe: process up, counts only.
func (r *MethodRouter) handleHealth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	s := r.server
	payload := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":       s.ClientCount(),
	}
	if s.deps.Providers != nil {
		payload["providers"] = len(s.deps.Providers.IDs())
	}
	if s.deps.TaskStore != nil {
		payload["tasks"] = s.deps.TaskStore.Len()
	}
	client.SendResponse(protocol.NewResponse(req.ID, payload))
}

// handleStatus is the full snapshot: provider table, lane stats, sessions.
func (r *MethodRouter) handleStatus(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	s := r.server
	payload := map[string]interface{}{
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"clients":       s.ClientCount(),
	}
	if s.deps.Providers != nil {
		payload["providers"] = s.deps.Providers.Status()
		payload["fallbackChain"] = s.deps.Providers.FallbackChain()
		payload["routing"] = s.deps.Providers.Routing()
	}
	if s.deps.Tasks != nil {
		payload["lanes"] = s.deps.Tasks.Stats()
	}
	if s.deps.Sessions != nil {
		payload["sessions"] = len(s.deps.Sessions.List(""))
	}
	client.SendResponse(protocol.NewResponse(req.ID, payload))
}
