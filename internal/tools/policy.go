package tools

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/providers"
)

// Tool groups map group names to tool names. Policy specs may reference
// them as "group:xxx".
var toolGroups = map[string][]string{
	"fs":        {"read_file", "write_file", "list_files", "edit"},
	"runtime":   {"exec"},
	"web":       {"web_search", "web_fetch"},
	"sessions":  {"sessions_list", "sessions_history", "sessions_send", "session_status"},
	"tasks":     {"task_spawn", "task_status"},
	"providers": {"provider_status", "provider_switch", "discovery_run"},
}

var toolGroupsMu sync.RWMutex

// RegisterToolGroup adds or replaces a dynamic tool group. The MCP manager
// registers "mcp" and "mcp:{serverName}" groups through this.
func RegisterToolGroup(name string, members []string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	toolGroups[name] = members
}

// UnregisterToolGroup removes a dynamic tool group.
func UnregisterToolGroup(name string) {
	toolGroupsMu.Lock()
	defer toolGroupsMu.Unlock()
	delete(toolGroups, name)
}

func groupMembers(name string) ([]string, bool) {
	toolGroupsMu.RLock()
	defer toolGroupsMu.RUnlock()
	members, ok := toolGroups[name]
	return members, ok
}

// ownerOnlyTools only execute for senders the gateway recognizes as owners.
// They mutate provider routing or trigger discovery sweeps.
var ownerOnlyTools = map[string]bool{
	"provider_switch": true,
	"discovery_run":   true,
}

// Tool profiles define preset allow sets.
var toolProfiles = map[string][]string{
	"minimal":   {"session_status"},
	"coding":    {"group:fs", "group:runtime", "group:web"},
	"messaging": {"group:sessions", "group:tasks"},
	"full":      {}, // empty = no restrictions
}

// Tool aliases map alternative names to canonical names.
var toolAliases = map[string]string{
	"bash":  "exec",
	"shell": "exec",
}

// PolicyEngine evaluates tool access from layered config policy: global
// profile and lists, then per-provider overrides, then per-channel
// overrides, then the owner-only audience gate.
type PolicyEngine struct {
	cfg *config.ToolsConfig
}

func NewPolicyEngine(cfg *config.ToolsConfig) *PolicyEngine {
	return &PolicyEngine{cfg: cfg}
}

// FilterTools returns the provider definitions a request may see, given the
// provider serving it, the channel it arrived on, and whether the sender is
// an owner.
func (pe *PolicyEngine) FilterTools(registry *Registry, providerID, channel string, isOwner bool) []providers.ToolDefinition {
	allTools := registry.List()
	allowed := pe.allowedSet(allTools, providerID, channel, isOwner)

	defs := make([]providers.ToolDefinition, 0, len(allowed))
	for _, name := range allowed {
		if tool, ok := registry.Get(resolveAlias(name)); ok {
			defs = append(defs, ToProviderDef(tool))
		}
	}

	slog.Debug("tool policy applied",
		"provider", providerID,
		"channel", channel,
		"total_tools", len(allTools),
		"allowed", len(defs),
	)
	return defs
}

// Allowed reports whether one named tool may execute in this request
// context. The engine checks it per tool call, so a model cannot invoke a
// tool that was filtered out of its definitions.
func (pe *PolicyEngine) Allowed(name, providerID, channel string, isOwner bool) bool {
	canonical := resolveAlias(name)
	for _, t := range pe.allowedSet([]string{canonical}, providerID, channel, isOwner) {
		if t == canonical {
			return true
		}
	}
	return false
}

// allowedSet runs the evaluation pipeline over the candidate tool names.
func (pe *PolicyEngine) allowedSet(allTools []string, providerID, channel string, isOwner bool) []string {
	g := pe.cfg
	if g == nil {
		g = &config.ToolsConfig{}
	}

	providerOv, hasProviderOv := lookupOverride(g.ByProvider, providerID)
	channelOv, hasChannelOv := lookupOverride(g.ByChannel, channel)

	// Profile cascade: global, then provider, then channel.
	profile := g.Profile
	if hasProviderOv && providerOv.Profile != "" {
		profile = providerOv.Profile
	}
	if hasChannelOv && channelOv.Profile != "" {
		profile = channelOv.Profile
	}
	allowed := applyProfile(allTools, profile)

	// Allow lists restrict; each layer intersects.
	if len(g.Allow) > 0 {
		allowed = intersectWithSpec(allowed, g.Allow)
	}
	if hasProviderOv && len(providerOv.Allow) > 0 {
		allowed = intersectWithSpec(allowed, providerOv.Allow)
	}
	if hasChannelOv && len(channelOv.Allow) > 0 {
		allowed = intersectWithSpec(allowed, channelOv.Allow)
	}

	// Deny lists subtract at every layer.
	if len(g.Deny) > 0 {
		allowed = subtractSpec(allowed, g.Deny)
	}
	if hasProviderOv && len(providerOv.Deny) > 0 {
		allowed = subtractSpec(allowed, providerOv.Deny)
	}
	if hasChannelOv && len(channelOv.Deny) > 0 {
		allowed = subtractSpec(allowed, channelOv.Deny)
	}

	// alsoAllow adds back without removing anything already allowed.
	if len(g.AlsoAllow) > 0 {
		allowed = unionWithSpec(allowed, allTools, g.AlsoAllow)
	}

	// Audience gate: owner-only tools disappear for non-owners.
	if !isOwner {
		var filtered []string
		for _, t := range allowed {
			if !ownerOnlyTools[t] {
				filtered = append(filtered, t)
			}
		}
		allowed = filtered
	}

	return allowed
}

func lookupOverride(m map[string]config.ToolPolicyOverride, key string) (config.ToolPolicyOverride, bool) {
	if m == nil || key == "" {
		return config.ToolPolicyOverride{}, false
	}
	ov, ok := m[key]
	return ov, ok
}

// applyProfile returns tools allowed by a named profile.
// "full" or empty profile = all tools allowed.
func applyProfile(allTools []string, profile string) []string {
	if profile == "" || profile == "full" {
		return copySlice(allTools)
	}

	spec, ok := toolProfiles[profile]
	if !ok {
		slog.Warn("unknown tool profile, using full", "profile", profile)
		return copySlice(allTools)
	}

	return expandSpec(allTools, spec)
}

// --- Set operations with group expansion ---

// expandSpec expands a spec list (which may contain "group:xxx") into
// concrete tool names, filtered against available tools.
func expandSpec(available []string, spec []string) []string {
	expanded := specSet(spec)
	var result []string
	for _, t := range available {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

// intersectWithSpec keeps only tools in current that match the spec.
func intersectWithSpec(current []string, spec []string) []string {
	expanded := specSet(spec)
	var result []string
	for _, t := range current {
		if expanded[t] {
			result = append(result, t)
		}
	}
	return result
}

// subtractSpec removes tools matching the spec from current.
func subtractSpec(current []string, spec []string) []string {
	denied := specSet(spec)
	var result []string
	for _, t := range current {
		if !denied[t] {
			result = append(result, t)
		}
	}
	return result
}

// unionWithSpec adds tools matching spec (drawn from allTools) to current.
func unionWithSpec(current []string, allTools []string, spec []string) []string {
	existing := make(map[string]bool, len(current))
	for _, t := range current {
		existing[t] = true
	}

	for _, t := range expandSpec(allTools, spec) {
		if !existing[t] {
			current = append(current, t)
			existing[t] = true
		}
	}
	return current
}

// specSet expands group references and returns the spec as a lookup set.
func specSet(spec []string) map[string]bool {
	expanded := make(map[string]bool)
	for _, s := range spec {
		if strings.HasPrefix(s, "group:") {
			if members, ok := groupMembers(strings.TrimPrefix(s, "group:")); ok {
				for _, m := range members {
					expanded[m] = true
				}
			}
		} else {
			expanded[s] = true
		}
	}
	return expanded
}

func resolveAlias(name string) string {
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

func copySlice(s []string) []string {
	c := make([]string, len(s))
	copy(c, s)
	return c
}
