package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/goant/internal/sessions"
)

const (
	historyMaxCharsPerMessage = 4000
	historyMaxTotalBytes      = 80 * 1024
)

// SessionsHistoryTool fetches recent message history from another session.
// Tool traffic is filtered out unless asked for, and output is bounded so a
// busy session can't blow up the caller's context.
type SessionsHistoryTool struct {
	manager *sessions.Manager
}

func NewSessionsHistoryTool(m *sessions.Manager) *SessionsHistoryTool {
	return &SessionsHistoryTool{manager: m}
}

func (t *SessionsHistoryTool) Name() string { return "sessions_history" }
func (t *SessionsHistoryTool) Description() string {
	return "Fetch message history for a session."
}

func (t *SessionsHistoryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to fetch history from",
			},
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max messages to return (default 20)",
			},
			"include_tools": map[string]interface{}{
				"type":        "boolean",
				"description": "Include tool call/result messages (default false)",
			},
		},
		"required": []string{"session_key"},
	}
}

// historyEntry is the trimmed view of one message returned to the model.
type historyEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "... [truncated]"
}

// visibleEntry decides whether a history message is conversational content.
// Tool results and tool-call-only assistant turns are plumbing, not dialogue.
func visibleEntry(role, content string, toolCalls int, includeTools bool) bool {
	if includeTools {
		return true
	}
	if role == "tool" {
		return false
	}
	if role == "assistant" && toolCalls > 0 && strings.TrimSpace(content) == "" {
		return false
	}
	return true
}

func (t *SessionsHistoryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("session manager not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		return ErrorResult("session_key is required")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	includeTools, _ := args["include_tools"].(bool)

	history := t.manager.GetHistory(sessionKey)

	entries := make([]historyEntry, 0, len(history))
	for _, m := range history {
		if !visibleEntry(m.Role, m.Content, len(m.ToolCalls), includeTools) {
			continue
		}
		entries = append(entries, historyEntry{
			Role:    m.Role,
			Content: clipRunes(m.Content, historyMaxCharsPerMessage),
		})
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	out, _ := json.Marshal(map[string]interface{}{
		"session_key": sessionKey,
		"messages":    entries,
		"count":       len(entries),
	})
	if len(out) > historyMaxTotalBytes {
		return SilentResult(fmt.Sprintf(
			`{"session_key":%q,"error":"history too large (%d bytes), use smaller limit","count":%d}`,
			sessionKey, len(out), len(entries)))
	}
	return SilentResult(string(out))
}
