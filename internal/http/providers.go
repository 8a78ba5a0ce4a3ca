package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/router"
)

// ProvidersHandler serves the provider administration REST API. Providers
// registered here live in the in-memory router only; config and the
// discovery overlay remain the durable sources.
type ProvidersHandler struct {
	manager *router.Manager
	token   string
}

// NewProvidersHandler creates a handler for provider management endpoints.
func NewProvidersHandler(m *router.Manager, token string) *ProvidersHandler {
	return &ProvidersHandler{manager: m, token: token}
}

// RegisterRoutes registers all provider management routes on the given mux.
func (h *ProvidersHandler) RegisterRoutes(mux *http.ServeMux) {
	// Provider CRUD
	mux.HandleFunc("GET /v1/providers", h.auth(h.handleListProviders))
	mux.HandleFunc("POST /v1/providers", h.auth(h.handleRegisterProvider))
	mux.HandleFunc("GET /v1/providers/{id}", h.auth(h.handleGetProvider))
	mux.HandleFunc("PUT /v1/providers/{id}", h.auth(h.handleUpdateProvider))
	mux.HandleFunc("DELETE /v1/providers/{id}", h.auth(h.handleDeleteProvider))

	// Model listing (proxied to the provider's API)
	mux.HandleFunc("GET /v1/providers/{id}/models", h.auth(h.handleListProviderModels))

	// Provider + model verification (pre-flight check)
	mux.HandleFunc("POST /v1/providers/{id}/verify", h.auth(h.handleVerifyProvider))
}

func (h *ProvidersHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// maskSpec copies a spec with literal credentials replaced by "***".
// Env references stay visible: they name a variable, not a secret.
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

// --- Provider CRUD ---

func (h *ProvidersHandler) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":     h.manager.Status(),
		"fallbackChain": h.manager.FallbackChain(),
	})
}

func (h *ProvidersHandler) handleRegisterProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string               `json:"id"`
		Spec *config.ProviderSpec `json:"spec"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	if body.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id is required"})
		return
	}
	if !isValidSlug(body.ID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id must be a valid slug (lowercase letters, numbers, hyphens only)"})
		return
	}
	if body.Spec == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "spec is required"})
		return
	}
	if err := body.Spec.Normalize(body.ID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if _, exists := h.manager.Spec(body.ID); exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "provider already exists: " + body.ID})
		return
	}

	if err := h.manager.Register(body.ID, body.Spec); err != nil {
		slog.Error("providers.create", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":   body.ID,
		"spec": maskSpec(body.Spec),
	})
}

func (h *ProvidersHandler) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	spec, ok := h.manager.Spec(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider not found"})
		return
	}

	var row interface{}
	for _, st := range h.manager.Status() {
		if st.ID == id {
			row = st
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"spec":   maskSpec(spec),
		"status": row,
	})
}

func (h *ProvidersHandler) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := h.manager.Spec(id); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider not found"})
		return
	}

	var spec config.ProviderSpec
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	// A masked key means "keep whatever is there" — resolve it from the
	// current spec so PUT of a GET body round-trips.
	if spec.APIKey == "***" || spec.APIKey == "" {
		if cur, ok := h.manager.Spec(id); ok {
			spec.APIKey = cur.APIKey
		}
	}

	if err := spec.Normalize(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.manager.Register(id, &spec); err != nil {
		slog.Error("providers.update", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *ProvidersHandler) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.manager.Unregister(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
