package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/router"
)

// Provider-admin tools. All three refuse to run while
// ANT_DISABLE_PROVIDER_TOOLS is set; switch and discovery additionally
// require the triggering sender to be an owner (the policy layer enforces
// the same, this is the backstop).

func providerToolsKilled() *Result {
	if config.ProviderToolsDisabledByEnv() {
		return ErrorResult("provider tools are disabled (" + config.EnvDisableTools + " is set)")
	}
	return nil
}

func requireOwner(ctx context.Context) *Result {
	if !ToolSenderIsOwnerFromCtx(ctx) {
		return ErrorResult("this tool is restricted to instance owners")
	}
	return nil
}

// ProviderStatusTool reports every registered provider with breaker state
// and the current fallback chain.
type ProviderStatusTool struct {
	manager *router.Manager
}

func NewProviderStatusTool(m *router.Manager) *ProviderStatusTool {
	return &ProviderStatusTool{manager: m}
}

func (t *ProviderStatusTool) Name() string { return "provider_status" }
func (t *ProviderStatusTool) Description() string {
	return "Show all LLM providers: kind, model, breaker state, and fallback chain position."
}

func (t *ProviderStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ProviderStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if res := providerToolsKilled(); res != nil {
		return res
	}
	if t.manager == nil {
		return ErrorResult("provider manager not available")
	}

	statuses := t.manager.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Providers (%d):\n", len(statuses))
	for _, s := range statuses {
		line := fmt.Sprintf("- %s [%s]", s.ID, s.Group)
		if s.Model != "" {
			line += " model=" + s.Model
		}
		if s.CoolingDown {
			line += fmt.Sprintf(" COOLING DOWN (failures=%d", s.Failures)
			if s.LastReason != "" {
				line += fmt.Sprintf(", last=%s", s.LastReason)
			}
			line += ")"
		} else if s.Failures > 0 {
			line += fmt.Sprintf(" failures=%d", s.Failures)
		}
		if !s.InChain {
			line += " (not in chain)"
		}
		sb.WriteString(line + "\n")
	}
	fmt.Fprintf(&sb, "\nFallback chain: %s\n", strings.Join(t.manager.FallbackChain(), " -> "))
	if routing := t.manager.Routing(); len(routing) > 0 {
		sb.WriteString("Routing overrides:\n")
		for action, id := range routing {
			fmt.Fprintf(&sb, "  %s -> %s\n", action, id)
		}
	}
	return SilentResult(sb.String())
}

// ProviderSwitchTool repoints the default provider, or one action's route.
type ProviderSwitchTool struct {
	manager *router.Manager
}

func NewProviderSwitchTool(m *router.Manager) *ProviderSwitchTool {
	return &ProviderSwitchTool{manager: m}
}

func (t *ProviderSwitchTool) Name() string { return "provider_switch" }
func (t *ProviderSwitchTool) Description() string {
	return "Switch the default LLM provider, or route a single action to a specific provider. Owner only."
}

func (t *ProviderSwitchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"provider_id": map[string]interface{}{
				"type":        "string",
				"description": "Provider id to switch to",
			},
			"action": map[string]interface{}{
				"type":        "string",
				"description": "Optional action name to route (omit to change the default)",
			},
		},
		"required": []string{"provider_id"},
	}
}

func (t *ProviderSwitchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if res := providerToolsKilled(); res != nil {
		return res
	}
	if res := requireOwner(ctx); res != nil {
		return res
	}
	if t.manager == nil {
		return ErrorResult("provider manager not available")
	}

	providerID, _ := args["provider_id"].(string)
	if providerID == "" {
		return ErrorResult("provider_id is required")
	}
	if _, ok := t.manager.Get(providerID); !ok {
		return ErrorResult(fmt.Sprintf("unknown provider: %s (known: %s)", providerID, strings.Join(t.manager.IDs(), ", ")))
	}

	if action, _ := args["action"].(string); action != "" {
		routing := t.manager.Routing()
		if routing == nil {
			routing = map[string]string{}
		}
		routing[action] = providerID
		t.manager.UpdateRouting(routing)
		return NewResult(fmt.Sprintf("Action %q now routes to provider %s", action, providerID))
	}

	t.manager.SetDefault(providerID)
	return NewResult(fmt.Sprintf("Default provider switched to %s", providerID))
}

// DiscoveryService is the slice of the discovery service the admin tool
// drives.
type DiscoveryService interface {
	RunDiscovery(ctx context.Context, mode string) (discovery.Result, error)
	RunHealthCheck(ctx context.Context) (discovery.Result, error)
}

// DiscoveryRunTool triggers a provider discovery sweep or health check.
type DiscoveryRunTool struct {
	service DiscoveryService
}

func NewDiscoveryRunTool(s DiscoveryService) *DiscoveryRunTool {
	return &DiscoveryRunTool{service: s}
}

func (t *DiscoveryRunTool) Name() string { return "discovery_run" }
func (t *DiscoveryRunTool) Description() string {
	return "Run provider discovery (probe candidates, update the overlay) or a health check of known providers. Owner only."
}

func (t *DiscoveryRunTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"mode": map[string]interface{}{
				"type":        "string",
				"description": `"scheduled" (default) probes new candidates; "emergency" widens the sweep; "health" re-checks known providers`,
				"enum":        []string{"scheduled", "emergency", "health"},
			},
		},
	}
}

func (t *DiscoveryRunTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if res := providerToolsKilled(); res != nil {
		return res
	}
	if res := requireOwner(ctx); res != nil {
		return res
	}
	if t.service == nil {
		return ErrorResult("discovery service not available")
	}

	mode, _ := args["mode"].(string)
	var (
		result discovery.Result
		err    error
	)
	switch mode {
	case "health":
		result, err = t.service.RunHealthCheck(ctx)
	case "emergency":
		result, err = t.service.RunDiscovery(ctx, discovery.ModeEmergency)
	default:
		result, err = t.service.RunDiscovery(ctx, discovery.ModeScheduled)
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("discovery failed: %v", err))
	}
	if !result.OK {
		return ErrorResult(fmt.Sprintf("discovery did not run: %s", result.Error))
	}

	out, _ := json.Marshal(result)
	return NewResult(string(out))
}
