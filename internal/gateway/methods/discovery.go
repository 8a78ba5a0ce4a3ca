package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// DiscoveryMethods triggers provider discovery sweeps and exposes the
// overlay via WebSocket RPC.
type DiscoveryMethods struct {
	svc *discovery.Service
}

// NewDiscoveryMethods creates a handler over the discovery service.
func NewDiscoveryMethods(svc *discovery.Service) *DiscoveryMethods {
	return &DiscoveryMethods{svc: svc}
}

// Register registers all discovery RPC methods.
func (m *DiscoveryMethods) Register(r *gateway.MethodRouter) {
	r.Register(protocol.MethodDiscoveryRun, m.handleRun)
	r.Register(protocol.MethodDiscoveryCheck, m.handleCheck)
	r.Register(protocol.MethodDiscoveryStatus, m.handleStatus)
}

// handleRun starts a discovery sweep. Probing the candidate set takes tens
// of seconds, so the sweep runs detached and the response carries its
// outcome when done.
func (m *DiscoveryMethods) handleRun(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Mode string `json:"mode"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	mode := params.Mode
	if mode == "" {
		mode = discovery.ModeScheduled
	}
	if mode != discovery.ModeScheduled && mode != discovery.ModeEmergency {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "unknown mode: "+mode))
		return
	}

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		result, err := m.svc.RunDiscovery(dctx, mode)
		if err != nil {
			slog.Error("gateway.discovery.run", "mode", mode, "error", err)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error()))
			return
		}
		client.SendResponse(protocol.NewResponse(req.ID, result))
	}()
}

// handleCheck runs one health pass over the overlay providers.
func (m *DiscoveryMethods) handleCheck(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	go func() {
		hctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		result, err := m.svc.RunHealthCheck(hctx)
		if err != nil {
			slog.Error("gateway.discovery.check", "error", err)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error()))
			return
		}
		client.SendResponse(protocol.NewResponse(req.ID, result))
	}()
}

// handleStatus returns the persisted overlay: which backends the sweeps
// found, their scores, and their last probe outcomes. Credentials never
// cross the wire.
func (m *DiscoveryMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	overlay, err := m.svc.Overlay()
	if err != nil {
		slog.Error("gateway.discovery.status", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "failed to load overlay"))
		return
	}

	rows := make([]map[string]interface{}, 0, len(overlay.Providers))
	for _, id := range overlay.IDs() {
		rec := overlay.Providers[id]
		row := map[string]interface{}{
			"id":                  rec.ID,
			"kind":                rec.Kind,
			"reliabilityScore":    rec.ReliabilityScore,
			"consecutiveFailures": rec.ConsecutiveFailures,
			"config":              maskSpec(rec.Config),
			"lastResult":          rec.LastResult,
		}
		rows = append(rows, row)
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"path":        m.svc.OverlayPath(),
		"generatedAt": overlay.GeneratedAt,
		"providers":   rows,
	}))
}
