package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/providers"
)

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager("")

	s := m.GetOrCreate("telegram:dm:1")
	if s.Key != "telegram:dm:1" {
		t.Errorf("Key = %q", s.Key)
	}
	if s.Channel != "telegram" {
		t.Errorf("Channel = %q, want telegram", s.Channel)
	}
	if again := m.GetOrCreate("telegram:dm:1"); again != s {
		t.Error("GetOrCreate created a duplicate session")
	}
}

func TestManagerSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	key := "telegram:dm:42"
	m.GetOrCreate(key)
	m.AddMessage(key, providers.Message{Role: "user", Content: "hi"})
	m.AddMessage(key, providers.Message{Role: "assistant", Content: "hello"})
	m.SetSummary(key, "greeting exchange")
	m.UpdateMetadata(key, "qwen3", "lmstudio", "telegram")
	m.AccumulateTokens(key, 10, 5)
	if err := m.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Key colons become underscores on disk.
	if _, err := os.Stat(filepath.Join(dir, "telegram_dm_42.json")); err != nil {
		t.Fatalf("session file missing: %v", err)
	}

	m2 := NewManager(dir)
	history := m2.GetHistory(key)
	if len(history) != 2 || history[1].Content != "hello" {
		t.Errorf("reloaded history = %+v", history)
	}
	if m2.GetSummary(key) != "greeting exchange" {
		t.Errorf("reloaded summary = %q", m2.GetSummary(key))
	}
	s := m2.GetOrCreate(key)
	if s.Model != "qwen3" || s.Provider != "lmstudio" || s.InputTokens != 10 {
		t.Errorf("reloaded metadata = %+v", s)
	}
}

func TestManagerSaveRejectsTraversal(t *testing.T) {
	m := NewManager(t.TempDir())
	key := "../escape"
	m.GetOrCreate(key)
	if err := m.Save(key); err == nil {
		t.Error("Save accepted a path-traversal key")
	}
}

func TestManagerTruncateAndReset(t *testing.T) {
	m := NewManager("")
	key := "cli:dm:local"
	for i := 0; i < 5; i++ {
		m.AddMessage(key, providers.Message{Role: "user", Content: "m"})
	}

	m.TruncateHistory(key, 2)
	if got := len(m.GetHistory(key)); got != 2 {
		t.Errorf("history after truncate = %d, want 2", got)
	}

	m.SetSummary(key, "sum")
	m.Reset(key)
	if len(m.GetHistory(key)) != 0 || m.GetSummary(key) != "" {
		t.Error("Reset left history or summary behind")
	}
}

func TestManagerDelete(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	key := "telegram:dm:9"
	m.GetOrCreate(key)
	if err := m.Save(key); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := m.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if m.Exists(key) {
		t.Error("session still tracked after Delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "telegram_dm_9.json")); !os.IsNotExist(err) {
		t.Error("session file still on disk after Delete")
	}
}

func TestManagerListByChannel(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("telegram:dm:1")
	m.GetOrCreate("telegram:group:-5")
	m.GetOrCreate("whatsapp:dm:2")

	if got := len(m.List("telegram")); got != 2 {
		t.Errorf("List(telegram) = %d, want 2", got)
	}
	if got := len(m.List("")); got != 3 {
		t.Errorf("List() = %d, want 3", got)
	}
}

func TestManagerLastUsedChannel(t *testing.T) {
	m := NewManager("")
	older := m.GetOrCreate("whatsapp:dm:111")
	older.Updated = time.Now().Add(-time.Hour)
	m.GetOrCreate("system:subagent:bg") // never a delivery target
	m.GetOrCreate("telegram:group:-100555:topic:3")

	channel, chatID := m.LastUsedChannel()
	if channel != "telegram" || chatID != "-100555" {
		t.Errorf("LastUsedChannel = %q/%q, want telegram/-100555", channel, chatID)
	}
}

func TestManagerCompactionCounters(t *testing.T) {
	m := NewManager("")
	key := "telegram:dm:7"
	m.GetOrCreate(key)

	if m.GetCompactionCount(key) != 0 {
		t.Error("new session has nonzero compaction count")
	}
	m.IncrementCompaction(key)
	m.IncrementCompaction(key)
	if got := m.GetCompactionCount(key); got != 2 {
		t.Errorf("compaction count = %d, want 2", got)
	}

	m.SetLastPromptTokens(key, 900, 12)
	tokens, count := m.GetLastPromptTokens(key)
	if tokens != 900 || count != 12 {
		t.Errorf("last prompt tokens = %d/%d", tokens, count)
	}
}
