package mcp

import (
	"log/slog"

	"github.com/nextlevelbuilder/goant/internal/tools"
)

// ToolNames returns every registered MCP tool name across servers.
func (m *Manager) ToolNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, ss := range m.servers {
		names = append(names, ss.toolNames...)
	}
	return names
}

// updateMCPGroup rebuilds the union "mcp" policy group.
// Must be called with m.mu NOT held.
func (m *Manager) updateMCPGroup() {
	allNames := m.ToolNames()
	if len(allNames) > 0 {
		tools.RegisterToolGroup("mcp", allNames)
	} else {
		tools.UnregisterToolGroup("mcp")
	}
}

// unregisterAllTools closes every server and withdraws its tools and
// policy groups from the registry.
func (m *Manager) unregisterAllTools() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			if err := ss.client.Close(); err != nil {
				slog.Debug("mcp.server.close_error", "server", name, "error", err)
			}
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		tools.UnregisterToolGroup("mcp:" + name)
		slog.Debug("mcp.server.unregistered", "server", name, "tools", len(ss.toolNames))
	}
	m.servers = make(map[string]*serverState)
	tools.UnregisterToolGroup("mcp")
}

// passesFilter applies the per-server allow/deny lists to an original
// (unprefixed) tool name. Deny wins; a non-empty allow list is exhaustive.
func passesFilter(name string, allow, deny map[string]struct{}) bool {
	if _, denied := deny[name]; denied {
		return false
	}
	if len(allow) > 0 {
		_, ok := allow[name]
		return ok
	}
	return true
}
