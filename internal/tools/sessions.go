package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/sessions"
)

// SessionsListTool lists tracked sessions with optional channel and
// recency filters.
type SessionsListTool struct {
	manager *sessions.Manager
}

func NewSessionsListTool(m *sessions.Manager) *SessionsListTool {
	return &SessionsListTool{manager: m}
}

func (t *SessionsListTool) Name() string { return "sessions_list" }
func (t *SessionsListTool) Description() string {
	return "List sessions with optional filters."
}

func (t *SessionsListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"limit": map[string]interface{}{
				"type":        "number",
				"description": "Max sessions to return (default 20)",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Only show sessions on this channel",
			},
			"active_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Only show sessions active in the last N minutes",
			},
		},
	}
}

func (t *SessionsListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("session manager not available")
	}

	limit := 20
	if v, ok := args["limit"].(float64); ok && int(v) > 0 {
		limit = int(v)
	}
	channel, _ := args["channel"].(string)

	var activeMinutes int
	if v, ok := args["active_minutes"].(float64); ok && int(v) > 0 {
		activeMinutes = int(v)
	}

	list := t.manager.List(channel)

	if activeMinutes > 0 {
		cutoff := time.Now().Add(-time.Duration(activeMinutes) * time.Minute)
		filtered := list[:0]
		for _, s := range list {
			if s.Updated.After(cutoff) {
				filtered = append(filtered, s)
			}
		}
		list = filtered
	}

	// Newest first, then limit.
	for i := 0; i < len(list); i++ {
		for j := i + 1; j < len(list); j++ {
			if list[j].Updated.After(list[i].Updated) {
				list[i], list[j] = list[j], list[i]
			}
		}
	}
	if len(list) > limit {
		list = list[:limit]
	}

	type sessionEntry struct {
		Key          string `json:"key"`
		MessageCount int    `json:"message_count"`
		Updated      string `json:"updated"`
	}
	entries := make([]sessionEntry, 0, len(list))
	for _, s := range list {
		entries = append(entries, sessionEntry{
			Key:          s.Key,
			MessageCount: s.MessageCount,
			Updated:      s.Updated.Format(time.RFC3339),
		})
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count":    len(entries),
		"sessions": entries,
	})
	return SilentResult(string(out))
}

// SessionStatusTool reports metadata for one session: model, token usage,
// compaction count, channel, last update.
type SessionStatusTool struct {
	manager *sessions.Manager
}

func NewSessionStatusTool(m *sessions.Manager) *SessionStatusTool {
	return &SessionStatusTool{manager: m}
}

func (t *SessionStatusTool) Name() string { return "session_status" }
func (t *SessionStatusTool) Description() string {
	return "Show session status: model, tokens, compaction count, channel, last update."
}

func (t *SessionStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Session key to inspect (default: current session)",
			},
		},
	}
}

func (t *SessionStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("session manager not available")
	}

	sessionKey, _ := args["session_key"].(string)
	if sessionKey == "" {
		sessionKey = ToolSessionKeyFromCtx(ctx)
	}
	if sessionKey == "" {
		return ErrorResult("session_key is required (could not detect current session)")
	}

	status, ok := t.manager.Status(sessionKey)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown session: %s", sessionKey))
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Session: %s", status.Key))
	if status.Model != "" {
		lines = append(lines, fmt.Sprintf("Model: %s", status.Model))
	}
	if status.Provider != "" {
		lines = append(lines, fmt.Sprintf("Provider: %s", status.Provider))
	}
	if status.Channel != "" {
		lines = append(lines, fmt.Sprintf("Channel: %s", status.Channel))
	}
	lines = append(lines, fmt.Sprintf("Messages: %d", status.MessageCount))
	lines = append(lines, fmt.Sprintf("Tokens: %d input / %d output", status.InputTokens, status.OutputTokens))
	lines = append(lines, fmt.Sprintf("Compactions: %d", status.CompactionCount))
	if status.SummaryChars > 0 {
		lines = append(lines, fmt.Sprintf("Has summary: yes (%d chars)", status.SummaryChars))
	}
	if status.Label != "" {
		lines = append(lines, fmt.Sprintf("Label: %s", status.Label))
	}
	if status.SpawnedBy != "" {
		lines = append(lines, fmt.Sprintf("Spawned by: %s", status.SpawnedBy))
	}
	lines = append(lines, fmt.Sprintf("Updated: %s", status.Updated.Format(time.RFC3339)))

	return SilentResult(strings.Join(lines, "\n"))
}
