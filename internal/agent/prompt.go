package agent

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/goant/internal/sessions"
)

// PromptInput carries everything a system-prompt builder may use.
type PromptInput struct {
	SessionKey string
	Channel    string
	Workspace  string
	ToolNames  []string
	Extra      string
}

// PromptFunc builds the system prompt for one turn. The gateway installs
// its own builder; DefaultPrompt covers tests and minimal setups.
type PromptFunc func(in PromptInput) string

// DefaultPrompt is a compact builtin system prompt. Subagent and duty
// sessions get a shorter header since their instructions arrive via
// Extra.
func DefaultPrompt(in PromptInput) string {
	var sb strings.Builder

	minimal := sessions.IsSubagent(in.SessionKey) || sessions.IsDuty(in.SessionKey)
	if minimal {
		sb.WriteString("You are a focused worker agent. Complete the given task directly and report the outcome.\n")
	} else {
		sb.WriteString("You are GoAnt, an autonomous assistant reachable across messaging channels.\n")
		sb.WriteString("Be concise. Use tools when they help; answer directly when they do not.\n")
	}

	if in.Workspace != "" {
		fmt.Fprintf(&sb, "\nWorkspace: %s\n", in.Workspace)
	}
	if in.Channel != "" {
		fmt.Fprintf(&sb, "Channel: %s\n", in.Channel)
	}
	if len(in.ToolNames) > 0 {
		fmt.Fprintf(&sb, "Available tools: %s\n", strings.Join(in.ToolNames, ", "))
	}
	if !minimal {
		sb.WriteString("\nReply with exactly NO_REPLY when no response should be delivered.\n")
	}
	if in.Extra != "" {
		sb.WriteString("\n")
		sb.WriteString(in.Extra)
		sb.WriteString("\n")
	}
	return sb.String()
}
