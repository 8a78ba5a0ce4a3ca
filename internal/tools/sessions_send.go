package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/sessions"
)

// SessionsSendTool injects a message into another session through the
// inbound bus, the same path channel adapters use. The target session's
// agent sees it as a regular user turn.
type SessionsSendTool struct {
	manager *sessions.Manager
	msgBus  bus.MessageBusIface
}

func NewSessionsSendTool(m *sessions.Manager, b bus.MessageBusIface) *SessionsSendTool {
	return &SessionsSendTool{manager: m, msgBus: b}
}

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session. Use session_key or label to identify the target."
}

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Target session label (alternative to session_key)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.manager == nil {
		return ErrorResult("session manager not available")
	}
	if t.msgBus == nil {
		return ErrorResult("message bus not available")
	}

	sessionKey, _ := args["session_key"].(string)
	label, _ := args["label"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" && label == "" {
		return ErrorResult("either session_key or label is required")
	}

	if sessionKey == "" {
		key, ok := t.manager.FindByLabel(label)
		if !ok {
			return ErrorResult(fmt.Sprintf("no session found with label: %s", label))
		}
		sessionKey = key
	}

	if sessionKey == ToolSessionKeyFromCtx(ctx) {
		return ErrorResult("cannot send a message to the current session")
	}

	key, ok := sessions.Parse(sessionKey)
	if !ok {
		return ErrorResult(fmt.Sprintf("invalid session key: %s", sessionKey))
	}

	t.msgBus.PublishInbound(bus.InboundMessage{
		Channel:    key.Channel,
		SenderID:   "sessions_send",
		ChatID:     key.ChatID(),
		Content:    message,
		SessionKey: sessionKey,
		Priority:   bus.PriorityNormal,
	})

	return SilentResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey))
}
