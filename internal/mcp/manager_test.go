package mcp

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/tools"
)

func TestBridgeToolNaming(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("files", mcpgo.Tool{Name: "read", Description: "Read a file."}, nil, "mcp_files_", 30, &connected)

	if got := bt.Name(); got != "mcp_files_read" {
		t.Errorf("Name() = %q, want mcp_files_read", got)
	}
	if got := bt.OriginalName(); got != "read" {
		t.Errorf("OriginalName() = %q, want read", got)
	}

	noPrefix := NewBridgeTool("files", mcpgo.Tool{Name: "read"}, nil, "", 30, &connected)
	if got := noPrefix.Name(); got != "read" {
		t.Errorf("Name() without prefix = %q, want read", got)
	}
}

func TestBridgeToolDescription(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("files", mcpgo.Tool{Name: "read", Description: "Read a file."}, nil, "", 30, &connected)
	if desc := bt.Description(); !strings.Contains(desc, "Read a file.") || !strings.Contains(desc, "files") {
		t.Errorf("Description() = %q", desc)
	}

	empty := NewBridgeTool("files", mcpgo.Tool{Name: "read"}, nil, "", 30, &connected)
	if desc := empty.Description(); !strings.Contains(desc, "no description") {
		t.Errorf("empty Description() = %q", desc)
	}
}

func TestBridgeToolParameters(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("files", mcpgo.Tool{
		Name: "read",
		InputSchema: mcpgo.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{"type": "string"},
			},
			Required: []string{"path"},
		},
	}, nil, "", 30, &connected)

	params := bt.Parameters()
	if params["type"] != "object" {
		t.Errorf("type = %v", params["type"])
	}
	props, ok := params["properties"].(map[string]any)
	if !ok || props["path"] == nil {
		t.Errorf("properties = %v", params["properties"])
	}
	req, ok := params["required"].([]string)
	if !ok || len(req) != 1 || req[0] != "path" {
		t.Errorf("required = %v", params["required"])
	}

	bare := NewBridgeTool("files", mcpgo.Tool{Name: "ping"}, nil, "", 30, &connected)
	bareParams := bare.Parameters()
	if _, ok := bareParams["properties"].(map[string]interface{}); !ok {
		t.Errorf("bare properties = %v", bareParams["properties"])
	}
	if _, has := bareParams["required"]; has {
		t.Error("bare schema should not carry a required list")
	}
}

func TestBridgeToolDisconnected(t *testing.T) {
	var connected atomic.Bool
	bt := NewBridgeTool("files", mcpgo.Tool{Name: "read"}, nil, "", 30, &connected)

	res := bt.Execute(context.Background(), map[string]interface{}{"path": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "not connected") {
		t.Errorf("disconnected Execute = %+v", res)
	}
}

func TestFlattenContent(t *testing.T) {
	got := flattenContent([]mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "first"},
		mcpgo.TextContent{Type: "text", Text: "second"},
	})
	if got != "first\nsecond" {
		t.Errorf("flattenContent = %q", got)
	}

	got = flattenContent([]mcpgo.Content{
		mcpgo.ImageContent{Type: "image", Data: "aGVsbG8=", MIMEType: "image/png"},
	})
	if !strings.Contains(got, "image/png") {
		t.Errorf("image block = %q", got)
	}

	got = flattenContent([]mcpgo.Content{
		mcpgo.EmbeddedResource{
			Type:     "resource",
			Resource: mcpgo.TextResourceContents{URI: "file:///a.txt", MIMEType: "text/plain", Text: "resource text"},
		},
	})
	if got != "resource text" {
		t.Errorf("embedded resource = %q", got)
	}
}

func TestPassesFilter(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		deny  []string
		tool  string
		want  bool
	}{
		{"no lists", nil, nil, "read", true},
		{"deny hit", nil, []string{"read"}, "read", false},
		{"allow hit", []string{"read"}, nil, "read", true},
		{"allow miss", []string{"write"}, nil, "read", false},
		{"deny beats allow", []string{"read"}, []string{"read"}, "read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := passesFilter(tt.tool, stringSet(tt.allow), stringSet(tt.deny)); got != tt.want {
				t.Errorf("passesFilter(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	if got := envList(nil); got != nil {
		t.Errorf("envList(nil) = %v", got)
	}
	got := envList(map[string]string{"B": "2", "A": "1"})
	if len(got) != 2 || got[0] != "A=1" || got[1] != "B=2" {
		t.Errorf("envList = %v, want sorted [A=1 B=2]", got)
	}
}

func TestManagerGroupLifecycle(t *testing.T) {
	registry := tools.NewRegistry()
	m := NewManager(registry, nil)

	var connected atomic.Bool
	connected.Store(true)
	bt := NewBridgeTool("files", mcpgo.Tool{Name: "read"}, nil, "mcp_files_", 30, &connected)
	registry.Register(bt)

	ss := &serverState{name: "files", transport: "stdio", toolNames: []string{"mcp_files_read"}}
	ss.connected.Store(true)
	m.servers["files"] = ss
	tools.RegisterToolGroup("mcp:files", ss.toolNames)
	m.updateMCPGroup()

	pe := tools.NewPolicyEngine(&config.ToolsConfig{Deny: []string{"group:mcp"}})
	if pe.Allowed("mcp_files_read", "", "", false) {
		t.Error("group:mcp deny should cover bridged tool")
	}

	statuses := m.ServerStatus()
	if len(statuses) != 1 || statuses[0].Name != "files" || statuses[0].ToolCount != 1 || !statuses[0].Connected {
		t.Errorf("ServerStatus = %+v", statuses)
	}

	m.Stop()
	if _, ok := registry.Get("mcp_files_read"); ok {
		t.Error("tool should be unregistered after Stop")
	}
	if !pe.Allowed("mcp_files_read", "", "", false) {
		t.Error("group deny should no longer apply once the group is gone")
	}
	if len(m.ServerStatus()) != 0 {
		t.Errorf("servers remain after Stop: %+v", m.ServerStatus())
	}
}
