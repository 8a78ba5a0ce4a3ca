package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/router"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

var providerIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ProviderMethods handles provider and routing administration via
// WebSocket RPC.
type ProviderMethods struct {
	manager *router.Manager
}

// NewProviderMethods creates a handler over the provider router.
func NewProviderMethods(m *router.Manager) *ProviderMethods {
	return &ProviderMethods{manager: m}
}

// Register registers all provider RPC methods.
func (m *ProviderMethods) Register(r *gateway.MethodRouter) {
	r.Register(protocol.MethodProvidersList, m.handleList)
	r.Register(protocol.MethodProvidersGet, m.handleGet)
	r.Register(protocol.MethodProvidersRegister, m.handleRegister)
	r.Register(protocol.MethodProvidersRemove, m.handleRemove)
	r.Register(protocol.MethodProvidersVerify, m.handleVerify)
	r.Register(protocol.MethodProvidersHealth, m.handleHealth)
	r.Register(protocol.MethodRoutingGet, m.handleRoutingGet)
	r.Register(protocol.MethodRoutingUpdate, m.handleRoutingUpdate)
	r.Register(protocol.MethodFallbackUpdate, m.handleFallbackUpdate)
}

// maskSpec copies a spec with credentials replaced, for wire exposure.
func maskSpec(spec *config.ProviderSpec) *config.ProviderSpec {
	if spec == nil {
		return nil
	}
	cp := *spec
	if cp.APIKey != "" && !providers.IsEnvReference(cp.APIKey) {
		cp.APIKey = "***"
	}
	if len(cp.AuthProfiles) > 0 {
		profiles := make([]config.AuthProfile, len(cp.AuthProfiles))
		for i, p := range cp.AuthProfiles {
			profiles[i] = p
			if profiles[i].APIKey != "" {
				profiles[i].APIKey = "***"
			}
		}
		cp.AuthProfiles = profiles
	}
	return &cp
}

func (m *ProviderMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"providers":     m.manager.Status(),
		"fallbackChain": m.manager.FallbackChain(),
	}))
}

func (m *ProviderMethods) handleGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	spec, ok := m.manager.Spec(params.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "provider not found: "+params.ID))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"id":   params.ID,
		"spec": maskSpec(spec),
	}))
}

func (m *ProviderMethods) handleRegister(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID   string               `json:"id"`
		Spec *config.ProviderSpec `json:"spec"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if params.ID == "" || !providerIDRe.MatchString(params.ID) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams,
			"id must be a lowercase slug"))
		return
	}
	if params.Spec == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "spec is required"))
		return
	}
	if err := params.Spec.Normalize(params.ID); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, err.Error()))
		return
	}

	if err := m.manager.Register(params.ID, params.Spec); err != nil {
		slog.Error("gateway.providers.register", "provider", params.ID, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, err.Error()))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"status": "registered"}))
}

func (m *ProviderMethods) handleRemove(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	if !m.manager.Unregister(params.ID) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "provider not found: "+params.ID))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"status": "removed"}))
}

// handleVerify issues a one-token chat call against the provider to prove
// the credential + model combination works.
func (m *ProviderMethods) handleVerify(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	p, ok := m.manager.Get(params.ID)
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "provider not found: "+params.ID))
		return
	}

	// The probe can take seconds; ACK comes when it finishes, so run it off
	// the dispatch path.
	go func() {
		vctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_, err := p.Chat(vctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: "hi"}},
			Model:    params.Model,
			Options:  map[string]interface{}{providers.OptMaxTokens: 1},
		})
		if err != nil {
			client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
				"valid": false, "error": friendlyVerifyError(err),
			}))
			return
		}
		client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"valid": true}))
	}()
}

// handleHealth probes every registered provider and reports reachability.
func (m *ProviderMethods) handleHealth(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	ids := m.manager.IDs()

	go func() {
		type row struct {
			ID    string `json:"id"`
			OK    bool   `json:"ok"`
			Error string `json:"error,omitempty"`
		}
		rows := make([]row, 0, len(ids))
		for _, id := range ids {
			p, ok := m.manager.Get(id)
			if !ok {
				continue
			}
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := p.Health(hctx)
			cancel()
			r := row{ID: id, OK: err == nil}
			if err != nil {
				r.Error = err.Error()
			}
			rows = append(rows, r)
		}
		client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"results": rows}))
	}()
}

func (m *ProviderMethods) handleRoutingGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"routing":       m.manager.Routing(),
		"fallbackChain": m.manager.FallbackChain(),
	}))
}

func (m *ProviderMethods) handleRoutingUpdate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Routing map[string]string `json:"routing"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Routing == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams, "routing map is required"))
		return
	}

	for action, id := range params.Routing {
		if id == "" {
			continue
		}
		if _, ok := m.manager.Get(id); !ok {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams,
				"unknown provider for "+action+": "+id))
			return
		}
	}

	m.manager.UpdateRouting(params.Routing)
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"routing": m.manager.Routing()}))
}

func (m *ProviderMethods) handleFallbackUpdate(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Chain []string `json:"chain"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	for _, id := range params.Chain {
		if _, ok := m.manager.Get(id); !ok {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeBadParams,
				"unknown provider in chain: "+id))
			return
		}
	}

	m.manager.UpdateFallbackChain(params.Chain)
	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{"fallbackChain": m.manager.FallbackChain()}))
}

// friendlyVerifyError extracts a human-readable message from provider
// errors, which often wrap a JSON error body.
func friendlyVerifyError(err error) string {
	msg := err.Error()

	// Pull the "message" field out of an embedded JSON error body.
	if idx := strings.Index(msg, `"message"`); idx >= 0 {
		rest := msg[idx+len(`"message"`):]
		if start := strings.Index(rest, ":"); start >= 0 {
			rest = strings.TrimLeft(rest[start+1:], " \t")
			if len(rest) > 0 && rest[0] == '"' {
				rest = rest[1:]
				if end := strings.Index(rest, `"`); end > 0 {
					return rest[:end]
				}
			}
		}
	}
	return msg
}
