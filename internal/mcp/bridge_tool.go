package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/nextlevelbuilder/goant/internal/tools"
)

// BridgeTool adapts one remote MCP tool to the local tool registry.
// The registry name carries the configured prefix; calls go out over the
// owning server's client with the server's per-call timeout.
type BridgeTool struct {
	server    string
	tool      mcpgo.Tool
	client    *mcpclient.Client
	name      string
	timeout   time.Duration
	connected *atomic.Bool
}

var _ tools.Tool = (*BridgeTool)(nil)

func NewBridgeTool(serverName string, tool mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	if timeoutSec <= 0 {
		timeoutSec = 60
	}
	return &BridgeTool{
		server:    serverName,
		tool:      tool,
		client:    client,
		name:      prefix + tool.Name,
		timeout:   time.Duration(timeoutSec) * time.Second,
		connected: connected,
	}
}

func (t *BridgeTool) Name() string { return t.name }

// OriginalName is the server-side tool name, before any prefix.
func (t *BridgeTool) OriginalName() string { return t.tool.Name }

func (t *BridgeTool) Description() string {
	desc := strings.TrimSpace(t.tool.Description)
	if desc == "" {
		desc = "Remote tool with no description."
	}
	return fmt.Sprintf("%s (MCP server: %s)", desc, t.server)
}

func (t *BridgeTool) Parameters() map[string]interface{} {
	params := map[string]interface{}{
		"type": "object",
	}
	if len(t.tool.InputSchema.Properties) > 0 {
		params["properties"] = t.tool.InputSchema.Properties
	} else {
		params["properties"] = map[string]interface{}{}
	}
	if len(t.tool.InputSchema.Required) > 0 {
		params["required"] = t.tool.InputSchema.Required
	}
	return params
}

func (t *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", t.server))
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.tool.Name
	req.Params.Arguments = args

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", t.name, err))
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = fmt.Sprintf("MCP tool %s reported an error", t.name)
		}
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(tool returned no content)"
	}
	return tools.NewResult(text)
}

// flattenContent joins the result's content blocks into one string the
// model can read. Binary blocks are summarized, not inlined.
func flattenContent(contents []mcpgo.Content) string {
	var parts []string
	for _, c := range contents {
		if tc, ok := mcpgo.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if ic, ok := mcpgo.AsImageContent(c); ok {
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes base64]", ic.MIMEType, len(ic.Data)))
			continue
		}
		if er, ok := mcpgo.AsEmbeddedResource(c); ok {
			if tr, ok := er.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, tr.Text)
			} else {
				parts = append(parts, "[embedded resource]")
			}
			continue
		}
	}
	return strings.Join(parts, "\n")
}
