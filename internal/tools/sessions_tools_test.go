package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/providers"
	"github.com/nextlevelbuilder/goant/internal/sessions"
)

func TestSessionsListTool(t *testing.T) {
	m := sessions.NewManager("")
	m.GetOrCreate("telegram:dm:1")
	m.GetOrCreate("telegram:dm:2")
	m.GetOrCreate("whatsapp:dm:3")

	tool := NewSessionsListTool(m)

	var parsed struct {
		Count    int `json:"count"`
		Sessions []struct {
			Key string `json:"key"`
		} `json:"sessions"`
	}

	res := tool.Execute(context.Background(), map[string]interface{}{})
	if res.IsError {
		t.Fatalf("list failed: %s", res.ForLLM)
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if parsed.Count != 3 {
		t.Errorf("count = %d, want 3", parsed.Count)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"channel": "telegram"})
	json.Unmarshal([]byte(res.ForLLM), &parsed)
	if parsed.Count != 2 {
		t.Errorf("telegram count = %d, want 2", parsed.Count)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"limit": float64(1)})
	json.Unmarshal([]byte(res.ForLLM), &parsed)
	if parsed.Count != 1 {
		t.Errorf("limited count = %d, want 1", parsed.Count)
	}
}

func TestSessionsListActiveFilter(t *testing.T) {
	m := sessions.NewManager("")
	stale := m.GetOrCreate("telegram:dm:old")
	stale.Updated = time.Now().Add(-2 * time.Hour)
	m.GetOrCreate("telegram:dm:fresh")

	tool := NewSessionsListTool(m)
	res := tool.Execute(context.Background(), map[string]interface{}{"active_minutes": float64(30)})

	var parsed struct {
		Sessions []struct {
			Key string `json:"key"`
		} `json:"sessions"`
	}
	json.Unmarshal([]byte(res.ForLLM), &parsed)
	if len(parsed.Sessions) != 1 || parsed.Sessions[0].Key != "telegram:dm:fresh" {
		t.Errorf("sessions = %+v", parsed.Sessions)
	}
}

func TestSessionStatusTool(t *testing.T) {
	m := sessions.NewManager("")
	key := "telegram:dm:7"
	m.GetOrCreate(key)
	m.AddMessage(key, providers.Message{Role: "user", Content: "hi"})
	m.UpdateMetadata(key, "qwen3", "lmstudio", "telegram")
	m.AccumulateTokens(key, 100, 40)
	m.SetLabel(key, "research")

	tool := NewSessionStatusTool(m)
	res := tool.Execute(context.Background(), map[string]interface{}{"session_key": key})
	if res.IsError {
		t.Fatalf("status failed: %s", res.ForLLM)
	}
	for _, want := range []string{
		"Session: telegram:dm:7",
		"Model: qwen3",
		"Provider: lmstudio",
		"Messages: 1",
		"Tokens: 100 input / 40 output",
		"Label: research",
	} {
		if !strings.Contains(res.ForLLM, want) {
			t.Errorf("status missing %q:\n%s", want, res.ForLLM)
		}
	}
}

func TestSessionStatusDefaultsToCurrent(t *testing.T) {
	m := sessions.NewManager("")
	m.GetOrCreate("cli:dm:me")

	tool := NewSessionStatusTool(m)
	ctx := WithToolSessionKey(context.Background(), "cli:dm:me")
	res := tool.Execute(ctx, map[string]interface{}{})
	if res.IsError {
		t.Fatalf("status failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "Session: cli:dm:me") {
		t.Errorf("output = %q", res.ForLLM)
	}

	if res := tool.Execute(context.Background(), map[string]interface{}{}); !res.IsError {
		t.Error("no key and no context should fail")
	}
	res = tool.Execute(context.Background(), map[string]interface{}{"session_key": "telegram:dm:ghost"})
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown session") {
		t.Errorf("result = %+v", res)
	}
}

func TestSessionsHistoryTool(t *testing.T) {
	m := sessions.NewManager("")
	key := "telegram:dm:5"
	m.AddMessage(key, providers.Message{Role: "user", Content: "question"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "", ToolCalls: []providers.ToolCall{{ID: "1"}}})
	m.AddMessage(key, providers.Message{Role: "tool", Content: "tool output"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "answer"})

	tool := NewSessionsHistoryTool(m)

	var parsed struct {
		Count    int `json:"count"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	res := tool.Execute(context.Background(), map[string]interface{}{"session_key": key})
	if res.IsError {
		t.Fatalf("history failed: %s", res.ForLLM)
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if parsed.Count != 2 {
		t.Errorf("count = %d, want 2 (tool traffic filtered)", parsed.Count)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"session_key": key, "include_tools": true})
	json.Unmarshal([]byte(res.ForLLM), &parsed)
	if parsed.Count != 4 {
		t.Errorf("count with tools = %d, want 4", parsed.Count)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"session_key": key, "limit": float64(1)})
	json.Unmarshal([]byte(res.ForLLM), &parsed)
	if parsed.Count != 1 || parsed.Messages[0].Content != "answer" {
		t.Errorf("limited history = %+v, want just the last message", parsed.Messages)
	}
}

func TestSessionsHistoryTruncatesLongMessages(t *testing.T) {
	m := sessions.NewManager("")
	key := "telegram:dm:long"
	m.AddMessage(key, providers.Message{Role: "user", Content: strings.Repeat("я", historyMaxCharsPerMessage+100)})

	tool := NewSessionsHistoryTool(m)
	res := tool.Execute(context.Background(), map[string]interface{}{"session_key": key})

	var parsed struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal([]byte(res.ForLLM), &parsed); err != nil {
		t.Fatalf("bad JSON: %v (rune truncation must not split UTF-8)", err)
	}
	if !strings.HasSuffix(parsed.Messages[0].Content, "... [truncated]") {
		t.Error("long message not truncated")
	}
}

func TestSessionsHistoryUnknownSession(t *testing.T) {
	tool := NewSessionsHistoryTool(sessions.NewManager(""))
	res := tool.Execute(context.Background(), map[string]interface{}{"session_key": "telegram:dm:none"})
	if res.IsError {
		t.Fatalf("unknown session should return empty history, got error: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, `"count":0`) {
		t.Errorf("output = %q", res.ForLLM)
	}
}

func TestSessionsSendTool(t *testing.T) {
	m := sessions.NewManager("")
	m.GetOrCreate("telegram:dm:42")
	b := bus.New()
	tool := NewSessionsSendTool(m, b)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"session_key": "telegram:dm:42",
		"message":     "status update please",
	})
	if res.IsError {
		t.Fatalf("send failed: %s", res.ForLLM)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("nothing on the inbound bus")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.SessionKey != "telegram:dm:42" {
		t.Errorf("message = %+v", msg)
	}
	if msg.SenderID != "sessions_send" || msg.Content != "status update please" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSessionsSendByLabel(t *testing.T) {
	m := sessions.NewManager("")
	m.GetOrCreate("whatsapp:dm:9")
	m.SetLabel("whatsapp:dm:9", "deploy-watch")
	b := bus.New()
	tool := NewSessionsSendTool(m, b)

	res := tool.Execute(context.Background(), map[string]interface{}{
		"label":   "deploy-watch",
		"message": "ping",
	})
	if res.IsError {
		t.Fatalf("send by label failed: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, "whatsapp:dm:9") {
		t.Errorf("result = %q", res.ForLLM)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{
		"label":   "no-such-label",
		"message": "ping",
	})
	if !res.IsError || !strings.Contains(res.ForLLM, "no session found") {
		t.Errorf("result = %+v", res)
	}
}

func TestSessionsSendGuards(t *testing.T) {
	m := sessions.NewManager("")
	b := bus.New()
	tool := NewSessionsSendTool(m, b)

	if res := tool.Execute(context.Background(), map[string]interface{}{"session_key": "telegram:dm:1"}); !res.IsError {
		t.Error("missing message accepted")
	}
	if res := tool.Execute(context.Background(), map[string]interface{}{"message": "x"}); !res.IsError {
		t.Error("missing target accepted")
	}

	ctx := WithToolSessionKey(context.Background(), "telegram:dm:1")
	res := tool.Execute(ctx, map[string]interface{}{"session_key": "telegram:dm:1", "message": "loop"})
	if !res.IsError || !strings.Contains(res.ForLLM, "current session") {
		t.Errorf("self-send result = %+v", res)
	}

	res = tool.Execute(context.Background(), map[string]interface{}{"session_key": "notakey", "message": "x"})
	if !res.IsError || !strings.Contains(res.ForLLM, "invalid session key") {
		t.Errorf("result = %+v", res)
	}
}
