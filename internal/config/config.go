package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the GoAnt gateway.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Tasks     TasksConfig     `json:"tasks"`
	MainAgent MainAgentConfig `json:"mainAgent"`
	Router    RouterConfig    `json:"router"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gateway   GatewayConfig   `json:"gateway"`
	Tools     ToolsConfig     `json:"tools"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Tracing   TracingConfig   `json:"tracing,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// AgentConfig holds defaults for the agent execution loop.
type AgentConfig struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	ContextWindow       int     `json:"context_window"`
	Thinking            string  `json:"thinking,omitempty"` // "off" (default), "low", "medium", "high"

	// Per-step budgets inside one agent run.
	PerIterationTimeoutMs int `json:"perIterationTimeoutMs,omitempty"` // default 120000
	PerToolTimeoutMs      int `json:"perToolTimeoutMs,omitempty"`      // default 60000

	Compaction CompactionConfig `json:"compaction,omitempty"`

	// Bootstrap context truncation limits.
	BootstrapMaxChars      int `json:"bootstrapMaxChars,omitempty"`      // per-file max before truncation (default 20000)
	BootstrapTotalMaxChars int `json:"bootstrapTotalMaxChars,omitempty"` // total budget across all files (default 24000)
}

// CompactionConfig controls history summarization when a conversation
// approaches the provider's context window.
type CompactionConfig struct {
	ThresholdPercent  int    `json:"thresholdPercent,omitempty"`  // trigger at this % of context window (default 80)
	MinRecentMessages int    `json:"minRecentMessages,omitempty"` // messages always kept verbatim (default 6)
	SummaryProvider   string `json:"summaryProvider,omitempty"`   // provider id for the summary call ("" = same provider)
}

// TasksConfig controls the persistent task queue.
type TasksConfig struct {
	Dir string `json:"dir,omitempty"` // task file directory (default ~/.ant/tasks)

	// Per-lane concurrency caps.
	MainConcurrency        int `json:"mainConcurrency,omitempty"`        // default 1
	AutonomousConcurrency  int `json:"autonomousConcurrency,omitempty"`  // default 5
	MaintenanceConcurrency int `json:"maintenanceConcurrency,omitempty"` // default 1

	DefaultTimeoutMs   int `json:"defaultTimeoutMs,omitempty"`   // default 300000
	DefaultMaxAttempts int `json:"defaultMaxAttempts,omitempty"` // default 3
	RetryBaseMs        int `json:"retryBaseMs,omitempty"`        // first retry delay (default 1000)
	RetryMaxMs         int `json:"retryMaxMs,omitempty"`         // backoff ceiling (default 60000)
	WarningThresholdMs int `json:"warningThresholdMs,omitempty"` // timeout warning window (default 30000)
	CacheTTLMinutes    int `json:"cacheTtlMinutes,omitempty"`    // task read-cache TTL (default 5)
}

// MainAgentConfig controls the autonomous supervisor.
type MainAgentConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`         // default true
	OwnerSessionKey string `json:"ownerSessionKey,omitempty"` // where owner notifications go, e.g. "telegram:dm:12345"

	CycleIntervalMs           int `json:"cycleIntervalMs,omitempty"`           // supervision cycle (default 60000)
	SurvivalAttemptCooldownMs int `json:"survivalAttemptCooldownMs,omitempty"` // min gap between emergency discoveries (default 300000)

	NotifyOn  NotifyOnConfig  `json:"notifyOn,omitempty"`
	ErrorScan ErrorScanConfig `json:"errorScan,omitempty"`
	Duties    []DutyConfig    `json:"duties,omitempty"`
}

// NotifyOnConfig gates owner notification categories. Nil means enabled.
type NotifyOnConfig struct {
	Providers       *bool `json:"providers,omitempty"`
	Errors          *bool `json:"errors,omitempty"`
	IncidentResults *bool `json:"incidentResults,omitempty"`
	Improvements    *bool `json:"improvements,omitempty"`
}

// ErrorScanConfig controls the background log scanner.
type ErrorScanConfig struct {
	IntervalMs                   int    `json:"intervalMs,omitempty"`                   // default 30000, floor 1000
	LogPath                      string `json:"logPath,omitempty"`                      // default ~/.ant/logs/goant.log
	InvestigationCooldownMinutes int    `json:"investigationCooldownMinutes,omitempty"` // default 15
	MaxInvestigationsPerScan     int    `json:"maxInvestigationsPerScan,omitempty"`     // default 2
	MaxEventsPerScan             int    `json:"maxEventsPerScan,omitempty"`             // default 5
}

// DutyConfig is a recurring autonomous duty the supervisor schedules when idle.
type DutyConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"` // cron expression ("" = every idle cycle)
	Prompt   string `json:"prompt"`
	Lane     string `json:"lane,omitempty"` // default "autonomous"
}

// RouterConfig controls inbound message routing and session queues.
type RouterConfig struct {
	MaxConcurrentSessions  int   `json:"maxConcurrentSessions,omitempty"`  // default 3
	MaxQueueSize           int   `json:"maxQueueSize,omitempty"`           // per-session queue cap (default 10)
	SessionQueueTimeoutMs  int   `json:"sessionQueueTimeoutMs,omitempty"`  // stale message cutoff (default 60000)
	ProcessingTimeoutMs    int   `json:"processingTimeoutMs,omitempty"`    // per-message handler budget (default 120000)
	SessionOrderingEnabled *bool `json:"sessionOrderingEnabled,omitempty"` // default true
	SessionTimeoutMs       int   `json:"sessionTimeoutMs,omitempty"`       // idle session prune cutoff (default 3600000)
	MaxSessions            int   `json:"maxSessions,omitempty"`            // LRU cap (default 1000)
	DedupeTTLMinutes       int   `json:"dedupeTtlMinutes,omitempty"`       // inbound dedupe window (default 10)
}

// SessionsConfig controls session persistence.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session files
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main")
}

// GatewayConfig controls the gateway server.
type GatewayConfig struct {
	Host              string              `json:"host"`
	Port              int                 `json:"port"`
	Token             string              `json:"token,omitempty"`               // bearer token for WS/HTTP auth
	OwnerIDs          FlexibleStringSlice `json:"owner_ids,omitempty"`           // sender IDs considered "owner"
	AllowedOrigins    []string            `json:"allowed_origins,omitempty"`     // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars   int                 `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
	RateLimitRPM      int                 `json:"rate_limit_rpm,omitempty"`      // requests per minute per user (default 20, 0 = disabled)
	InboundDebounceMs int                 `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
}

// ToolsConfig controls tool availability, policy, and web search.
type ToolsConfig struct {
	Profile          string                        `json:"profile,omitempty"`      // "minimal", "coding", "messaging", "full"
	Allow            []string                      `json:"allow,omitempty"`        // allow list (tool names or "group:xxx")
	Deny             []string                      `json:"deny,omitempty"`         // deny list
	AlsoAllow        []string                      `json:"alsoAllow,omitempty"`    // additive: adds without removing existing
	ByProvider       map[string]ToolPolicyOverride `json:"byProvider,omitempty"`   // per-provider-id overrides
	ByChannel        map[string]ToolPolicyOverride `json:"byChannel,omitempty"`    // per-channel overrides
	ExecApproval     ExecApprovalCfg               `json:"execApproval,omitempty"` // exec command approval settings
	Web              WebToolsConfig                `json:"web"`
	Browser          BrowserToolConfig             `json:"browser"`
	RateLimitPerHour int                           `json:"rate_limit_per_hour,omitempty"` // max tool executions per hour per session (0 = disabled)
	ScrubCredentials *bool                         `json:"scrub_credentials,omitempty"`   // auto-redact API keys/tokens in tool output (default true)
	McpServers       map[string]*MCPServerConfig   `json:"mcp_servers,omitempty"`         // external MCP server connections
}

// ToolPolicyOverride narrows the tool set for one provider or channel.
// An empty Profile keeps the global profile; Allow/Deny layer on top.
type ToolPolicyOverride struct {
	Profile string   `json:"profile,omitempty"`
	Allow   []string `json:"allow,omitempty"`
	Deny    []string `json:"deny,omitempty"`
}

// MCPServerConfig configures a single external MCP server connection.
type MCPServerConfig struct {
	Transport  string            `json:"transport"`             // "stdio", "sse", "streamable-http"
	Command    string            `json:"command,omitempty"`     // stdio: command to spawn
	Args       []string          `json:"args,omitempty"`        // stdio: command arguments
	Env        map[string]string `json:"env,omitempty"`         // stdio: extra environment variables
	URL        string            `json:"url,omitempty"`         // sse/http: server URL
	Headers    map[string]string `json:"headers,omitempty"`     // sse/http: extra HTTP headers
	Enabled    *bool             `json:"enabled,omitempty"`     // default true
	ToolPrefix string            `json:"tool_prefix,omitempty"` // prefix for tool names (avoids collisions)
	TimeoutSec int               `json:"timeout_sec,omitempty"` // per-tool-call timeout in seconds (default 60)
	ToolAllow  []string          `json:"tool_allow,omitempty"`  // only register these tools (original names)
	ToolDeny   []string          `json:"tool_deny,omitempty"`   // never register these tools (wins over allow)
}

// IsEnabled returns whether this MCP server is enabled (default true).
func (c *MCPServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ExecApprovalCfg configures command execution approval.
type ExecApprovalCfg struct {
	Security  string   `json:"security,omitempty"`  // "deny", "allowlist", "full" (default "full")
	Ask       string   `json:"ask,omitempty"`       // "off", "on-miss", "always" (default "off")
	Allowlist []string `json:"allowlist,omitempty"` // glob patterns for allowed commands
}

// BrowserToolConfig controls the browser rendering fallback for web_fetch.
type BrowserToolConfig struct {
	Enabled  bool `json:"enabled"`            // enable headless rendering (default false)
	Headless bool `json:"headless,omitempty"` // run Chrome in headless mode
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key"`
	MaxResults int    `json:"max_results"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled"`
	MaxResults int  `json:"max_results"`
}

// DatabaseConfig configures Postgres for managed mode.
// PostgresDSN is NEVER read from config.json (secret) — only from env ANT_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env ANT_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the gateway is running in managed (multi-tenant) mode.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TracingConfig controls the local LLM trace store.
type TracingConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`        // default true
	DBPath        string `json:"db_path,omitempty"`        // default ~/.ant/data/traces.db
	RetentionDays int    `json:"retention_days,omitempty"` // prune spans older than this (default 14)
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend in
// addition to local storage.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "goant-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens)
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "goant-gateway")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory
	AuthKey   string `json:"-"`                    // from env ANT_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agent = src.Agent
	c.Providers = src.Providers
	c.Tasks = src.Tasks
	c.MainAgent = src.MainAgent
	c.Router = src.Router
	c.Sessions = src.Sessions
	c.Gateway = src.Gateway
	c.Tools = src.Tools
	c.Database = src.Database
	c.Tracing = src.Tracing
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
