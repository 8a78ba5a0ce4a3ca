// Package tools provides the builtin tool belt the agent engine exposes to
// LLM providers: a registry of named tools, a layered access policy, and the
// unified Result type every execution returns.
package tools

import (
	"context"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

// Tool is one callable capability. Implementations must be safe for
// concurrent Execute calls; per-request state travels in the context
// (see context_keys.go), never in mutable fields.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-schema object describing the arguments.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers the eventual result of a tool that returned
// Result.Async. The registry injects it into the execution context.
type AsyncCallback func(toolName string, result *Result)

// ToProviderDef converts a tool into the wire-format definition sent to
// providers alongside chat requests.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.NewToolDefinition(t.Name(), t.Description(), t.Parameters())
}
