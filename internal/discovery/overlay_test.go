package discovery

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testRecord(id, kind string, score, failures int) *ProviderRecord {
	return &ProviderRecord{
		ID:                  id,
		Kind:                kind,
		Config:              &config.ProviderSpec{Type: config.ProviderTypeLocal, BaseURL: "http://127.0.0.1:11434"},
		ReliabilityScore:    score,
		ConsecutiveFailures: failures,
		LastResult:          &LastResult{OK: score > 0, CheckedAt: time.Now().UnixMilli()},
	}
}

func TestOverlayStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	store := NewOverlayStore(path, discardLogger())

	first := NewOverlay(time.Now())
	first.Providers["discovered:ollama"] = testRecord("discovered:ollama", KindLocal, 95, 0)
	if err := store.Save(first); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec, ok := loaded.Providers["discovered:ollama"]
	if !ok {
		t.Fatal("record missing after reload")
	}
	if rec.ReliabilityScore != 95 || rec.Kind != KindLocal {
		t.Fatalf("record = %+v", rec)
	}
	if loaded.Version != overlayVersion {
		t.Fatalf("version = %d, want %d", loaded.Version, overlayVersion)
	}

	second := NewOverlay(time.Now())
	if err := store.Save(second); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if !strings.Contains(string(bak), "discovered:ollama") {
		t.Fatal("backup does not hold the previous overlay")
	}
	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Providers) != 0 {
		t.Fatalf("current overlay should be empty, has %d", len(reloaded.Providers))
	}
}

func TestOverlayStoreMissingFile(t *testing.T) {
	store := NewOverlayStore(filepath.Join(t.TempDir(), "providers.json"), discardLogger())
	o, err := store.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(o.Providers) != 0 {
		t.Fatalf("expected empty overlay, got %d records", len(o.Providers))
	}
}

func TestOverlayStoreSkipsInvalidRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	raw := `{
  "version": 1,
  "generatedAt": 1700000000000,
  "providers": {
    "good": {"id": "good", "kind": "local", "config": {"type": "local"}, "reliabilityScore": 80, "consecutiveFailures": 0},
    "bad-kind": {"id": "bad-kind", "kind": "weird", "config": {"type": "local"}, "reliabilityScore": 80, "consecutiveFailures": 0},
    "no-config": {"id": "no-config", "kind": "remote", "reliabilityScore": 80, "consecutiveFailures": 0},
    "mismatched": {"id": "other", "kind": "local", "config": {"type": "local"}, "reliabilityScore": 80, "consecutiveFailures": 0},
    "bad-score": {"id": "bad-score", "kind": "local", "config": {"type": "local"}, "reliabilityScore": 900, "consecutiveFailures": 0}
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewOverlayStore(path, discardLogger())
	o, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(o.Providers) != 1 {
		t.Fatalf("kept %d records, want 1 (got %v)", len(o.Providers), o.IDs())
	}
	if _, ok := o.Providers["good"]; !ok {
		t.Fatal("valid record was dropped")
	}
}

func TestOverlayStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewOverlayStore(path, discardLogger())
	o, err := store.Load()
	if err == nil {
		t.Fatal("expected parse error")
	}
	if o == nil || len(o.Providers) != 0 {
		t.Fatal("corrupt load must still return a usable empty overlay")
	}
}

func TestScoreFor(t *testing.T) {
	tests := []struct {
		name string
		res  ProbeResult
		want int
	}{
		{"failure scores zero", ProbeResult{OK: false, LatencyMs: 50}, 0},
		{"instant response", ProbeResult{OK: true, LatencyMs: 0}, 100},
		{"fast response", ProbeResult{OK: true, LatencyMs: 250}, 98},
		{"typical local", ProbeResult{OK: true, LatencyMs: 500}, 95},
		{"slow response floors at ten", ProbeResult{OK: true, LatencyMs: 9000}, 10},
		{"very slow clamps", ProbeResult{OK: true, LatencyMs: 20000}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreFor(tt.res); got != tt.want {
				t.Fatalf("scoreFor(%+v) = %d, want %d", tt.res, got, tt.want)
			}
		})
	}
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		name string
		spec *config.ProviderSpec
		want string
	}{
		{"local type", &config.ProviderSpec{Type: config.ProviderTypeLocal, BaseURL: "http://10.1.1.1:11434"}, KindLocal},
		{"loopback openai", &config.ProviderSpec{Type: config.ProviderTypeOpenAI, BaseURL: "http://127.0.0.1:1234/v1"}, KindLocal},
		{"localhost openai", &config.ProviderSpec{Type: config.ProviderTypeOpenAI, BaseURL: "http://localhost:8080/v1"}, KindLocal},
		{"remote openai", &config.ProviderSpec{Type: config.ProviderTypeOpenAI, BaseURL: "https://api.example.com/v1"}, KindRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := kindFor(tt.spec); got != tt.want {
				t.Fatalf("kindFor = %s, want %s", got, tt.want)
			}
		})
	}
}
