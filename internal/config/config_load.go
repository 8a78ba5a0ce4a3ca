package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:             "~/.ant/workspace",
			RestrictToWorkspace:   true,
			MaxTokens:             8192,
			Temperature:           0.7,
			MaxToolIterations:     20,
			ContextWindow:         128000,
			PerIterationTimeoutMs: 120000,
			PerToolTimeoutMs:      60000,
			Compaction: CompactionConfig{
				ThresholdPercent:  80,
				MinRecentMessages: 6,
			},
		},
		Providers: ProvidersConfig{
			Breaker: BreakerConfig{
				BaseCooldownMs: 2000,
				MaxCooldownMs:  300000,
			},
			Discovery: DiscoveryConfig{
				OverlayPath:                "~/.ant/providers.json",
				ResearchIntervalHours:      24,
				HealthCheckIntervalMinutes: 30,
				MaxConsecutiveFailures:     3,
				ProbeTimeoutMs:             8000,
				MinBackupProviders:         1,
			},
		},
		Tasks: TasksConfig{
			Dir:                    "~/.ant/tasks",
			MainConcurrency:        1,
			AutonomousConcurrency:  5,
			MaintenanceConcurrency: 1,
			DefaultTimeoutMs:       300000,
			DefaultMaxAttempts:     3,
			RetryBaseMs:            1000,
			RetryMaxMs:             60000,
			WarningThresholdMs:     30000,
			CacheTTLMinutes:        5,
		},
		MainAgent: MainAgentConfig{
			CycleIntervalMs:           60000,
			SurvivalAttemptCooldownMs: 300000,
			ErrorScan: ErrorScanConfig{
				IntervalMs:                   30000,
				InvestigationCooldownMinutes: 15,
				MaxInvestigationsPerScan:     2,
				MaxEventsPerScan:             5,
			},
		},
		Router: RouterConfig{
			MaxConcurrentSessions: 3,
			MaxQueueSize:          10,
			SessionQueueTimeoutMs: 60000,
			ProcessingTimeoutMs:   120000,
			SessionTimeoutMs:      3600000,
			MaxSessions:           1000,
			DedupeTTLMinutes:      10,
		},
		Sessions: SessionsConfig{
			Storage: "~/.ant/sessions",
			MainKey: "main",
		},
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18890,
			MaxMessageChars: 32000,
			RateLimitRPM:    20,
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				DuckDuckGo: DuckDuckGoConfig{Enabled: true, MaxResults: 5},
			},
			Browser: BrowserToolConfig{
				Enabled:  true,
				Headless: true,
			},
			ExecApproval: ExecApprovalCfg{
				Security: "full",
				Ask:      "off",
			},
		},
		Tracing: TracingConfig{
			DBPath:        "~/.ant/data/traces.db",
			RetentionDays: 14,
		},
	}
}

// DefaultPath is where Load looks when neither --config nor ANT_CONFIG
// names a file.
func DefaultPath() string {
	return ExpandHome("~/.ant/config.json5")
}

// Load reads config from a JSON file, then overlays env vars.
// Provider specs are normalized; an invalid spec fails the load.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	for id, spec := range cfg.Providers.List {
		if err := spec.Normalize(id); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("ANT_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("ANT_HOST", &c.Gateway.Host)
	if v := os.Getenv("ANT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("ANT_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = strings.Split(v, ",")
	}

	// State directories
	envStr("ANT_WORKSPACE", &c.Agent.Workspace)
	envStr("ANT_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("ANT_TASKS_DIR", &c.Tasks.Dir)
	envStr("ANT_PROVIDERS_OVERLAY", &c.Providers.Discovery.OverlayPath)
	envStr("ANT_LOG_PATH", &c.MainAgent.ErrorScan.LogPath)
	envStr("ANT_OWNER_SESSION", &c.MainAgent.OwnerSessionKey)

	// Database
	envStr("ANT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("ANT_MODE", &c.Database.Mode)

	// Web search
	envStr("ANT_BRAVE_API_KEY", &c.Tools.Web.Brave.APIKey)
	if c.Tools.Web.Brave.APIKey != "" {
		c.Tools.Web.Brave.Enabled = true
	}

	// Telemetry
	envStr("ANT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("ANT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("ANT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("ANT_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = EnvTruthy(v)
	}
	if v := os.Getenv("ANT_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = EnvTruthy(v)
	}

	// Tailscale (tsnet)
	envStr("ANT_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("ANT_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("ANT_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
// Call this after modifying config to restore runtime secrets from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agent.Workspace)
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with literal secrets masked.
// API keys that are env references ("$NAME", "env:NAME") stay visible since
// they point at secrets rather than contain them.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	for _, spec := range cp.Providers.List {
		maskKey(&spec.APIKey)
		for i := range spec.AuthProfiles {
			maskKey(&spec.AuthProfiles[i].APIKey)
		}
	}
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Tools.Web.Brave.APIKey)
	maskNonEmpty(&cp.Tailscale.AuthKey)

	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk so literal secrets never persist in config.json.
func (c *Config) StripSecrets() {
	for _, spec := range c.Providers.List {
		if !isEnvReference(spec.APIKey) {
			spec.APIKey = ""
		}
		for i := range spec.AuthProfiles {
			if !isEnvReference(spec.AuthProfiles[i].APIKey) {
				spec.AuthProfiles[i].APIKey = ""
			}
		}
	}
	c.Gateway.Token = ""
	c.Tools.Web.Brave.APIKey = ""
	c.Tailscale.AuthKey = ""
}

// StripMaskedSecrets strips only fields that still contain the mask value "***".
// Real values (user-entered via UI) are preserved.
func (c *Config) StripMaskedSecrets() {
	stripIfMasked := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	for _, spec := range c.Providers.List {
		stripIfMasked(&spec.APIKey)
		for i := range spec.AuthProfiles {
			stripIfMasked(&spec.AuthProfiles[i].APIKey)
		}
	}
	stripIfMasked(&c.Gateway.Token)
	stripIfMasked(&c.Tools.Web.Brave.APIKey)
	stripIfMasked(&c.Tailscale.AuthKey)
}

func maskKey(s *string) {
	if *s == "" || isEnvReference(*s) {
		return
	}
	*s = secretMask
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// isEnvReference is a display heuristic only; full resolution lives with
// the provider key resolver.
func isEnvReference(s string) bool {
	return strings.HasPrefix(s, "$") || strings.HasPrefix(s, "env:")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
