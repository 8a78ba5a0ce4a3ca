package config

import (
	"fmt"
	"strings"
)

// Provider types. "openai" speaks the OpenAI-compatible HTTP API, "local"
// speaks the Ollama HTTP API, "cli" shells out to a coding-agent binary.
const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeLocal  = "local"
	ProviderTypeCLI    = "cli"
)

// ProvidersConfig holds the provider catalog plus routing state.
type ProvidersConfig struct {
	List map[string]*ProviderSpec `json:"list,omitempty"`

	// Routing maps an action ("chat", "tools", "embeddings", "summary",
	// "subagent") to a provider id.
	Routing map[string]string `json:"routing,omitempty"`

	// Default is used when no route matches the requested action.
	Default string `json:"default,omitempty"`

	// FallbackChain is the ordered failover list.
	FallbackChain []string `json:"fallbackChain,omitempty"`

	// Tiers pins provider ids to quality tiers ("fast", "quality").
	Tiers map[string]string `json:"tiers,omitempty"`

	// FallbackFromFast allows escalation from the fast tier to the quality
	// tier during selection.
	FallbackFromFast bool `json:"fallbackFromFast,omitempty"`

	Breaker   BreakerConfig   `json:"breaker,omitempty"`
	Discovery DiscoveryConfig `json:"discovery,omitempty"`
}

// BreakerConfig controls failure cooldowns.
type BreakerConfig struct {
	BaseCooldownMs int `json:"baseCooldownMs,omitempty"` // first cooldown (default 2000)
	MaxCooldownMs  int `json:"maxCooldownMs,omitempty"`  // cooldown ceiling (default 300000)
}

// DiscoveryConfig controls autonomous provider discovery.
type DiscoveryConfig struct {
	Enabled                    *bool                `json:"enabled,omitempty"`                    // default true
	OverlayPath                string               `json:"overlayPath,omitempty"`                // default ~/.ant/providers.json
	ResearchIntervalHours      int                  `json:"researchIntervalHours,omitempty"`      // default 24
	HealthCheckIntervalMinutes int                  `json:"healthCheckIntervalMinutes,omitempty"` // default 30
	MaxConsecutiveFailures     int                  `json:"maxConsecutiveFailures,omitempty"`     // drop threshold (default 3)
	ProbeTimeoutMs             int                  `json:"probeTimeoutMs,omitempty"`             // PONG probe budget (default 8000)
	MinBackupProviders         int                  `json:"minBackupProviders,omitempty"`         // default 1
	Candidates                 []DiscoveryCandidate `json:"candidates,omitempty"`                 // extra endpoints to probe
}

// DiscoveryCandidate is an endpoint the discovery sweep probes in addition
// to well-known local servers.
type DiscoveryCandidate struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"` // "openai" (default) or "local"
	BaseURL string `json:"baseUrl"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// ProviderSpec configures one provider instance.
type ProviderSpec struct {
	Type    string `json:"type"`
	BaseURL string `json:"baseUrl,omitempty"`
	// APIKey may be a literal, "$ENV", "${ENV}", "${ENV:NAME}", or "env:NAME".
	APIKey string      `json:"apiKey,omitempty"`
	Model  string      `json:"model,omitempty"`
	Models *ModelRoles `json:"models,omitempty"`

	ContextWindow   int    `json:"contextWindow,omitempty"`
	EmbeddingsModel string `json:"embeddingsModel,omitempty"`

	// CLI providers.
	CLIProvider string   `json:"cliProvider,omitempty"` // "claude", "copilot", "codex", "kimi"
	Command     string   `json:"command,omitempty"`
	Args        []string `json:"args,omitempty"`

	HealthCheckTimeoutMs       int `json:"healthCheckTimeoutMs,omitempty"`       // default 5000
	HealthCheckCacheTTLMinutes int `json:"healthCheckCacheTtlMinutes,omitempty"` // default 5

	AuthProfiles []AuthProfile `json:"authProfiles,omitempty"`
}

// ModelRoles maps call purposes to model names.
type ModelRoles struct {
	Chat       string `json:"chat,omitempty"`
	Tools      string `json:"tools,omitempty"`
	Embeddings string `json:"embeddings,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Subagent   string `json:"subagent,omitempty"`
}

// AuthProfile is one key in a rotating credential pool.
type AuthProfile struct {
	APIKey          string `json:"apiKey"`
	Label           string `json:"label,omitempty"`
	CooldownMinutes int    `json:"cooldownMinutes,omitempty"` // pause after auth failure (default 5)
}

// ModelFor resolves the model for an action, falling back to the default model.
func (p *ProviderSpec) ModelFor(action string) string {
	if p.Models != nil {
		var m string
		switch action {
		case "chat":
			m = p.Models.Chat
		case "tools":
			m = p.Models.Tools
		case "embeddings":
			m = p.Models.Embeddings
		case "summary":
			m = p.Models.Summary
		case "subagent":
			m = p.Models.Subagent
		}
		if m != "" {
			return m
		}
	}
	return p.Model
}

// Normalize fills defaults and reports config errors. CLI providers get
// their command defaulted from the variant name.
func (p *ProviderSpec) Normalize(id string) error {
	if p == nil {
		return fmt.Errorf("provider %q: invalid_config: empty spec", id)
	}
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	switch p.Type {
	case ProviderTypeOpenAI:
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: invalid_config: openai provider requires baseUrl", id)
		}
	case ProviderTypeLocal:
		if p.BaseURL == "" {
			p.BaseURL = "http://127.0.0.1:11434"
		}
	case ProviderTypeCLI:
		if p.Command == "" {
			p.Command = p.CLIProvider
		}
		if p.Command == "" {
			return fmt.Errorf("provider %q: invalid_config: cli provider requires command or cliProvider", id)
		}
	case "":
		return fmt.Errorf("provider %q: invalid_config: missing type", id)
	default:
		return fmt.Errorf("provider %q: invalid_config: unknown type %q", id, p.Type)
	}
	p.BaseURL = strings.TrimRight(p.BaseURL, "/")
	return nil
}

// HasAnyProvider returns true if at least one provider is configured.
func (c *Config) HasAnyProvider() bool {
	return len(c.Providers.List) > 0
}

// IsDiscoveryEnabled reports whether the discovery subsystem should run.
// The ANT_DISABLE_PROVIDER_DISCOVERY kill switch and test mode win over config.
func (c *Config) IsDiscoveryEnabled() bool {
	if DiscoveryDisabledByEnv() || IsTestMode() {
		return false
	}
	d := c.Providers.Discovery
	return d.Enabled == nil || *d.Enabled
}
