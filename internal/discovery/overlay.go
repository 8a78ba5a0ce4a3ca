// Package discovery finds and verifies language-model backends at
// runtime, maintains the persistent providers overlay, and feeds
// verified entries into the router's registry and fallback chain.
package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// overlayVersion is the schema version written to providers.json.
const overlayVersion = 1

// Provider kinds in the overlay. Locals sort ahead of remotes in the
// rebuilt fallback chain.
const (
	KindLocal  = "local"
	KindRemote = "remote"
)

// LastResult is the outcome of the most recent probe of a record.
type LastResult struct {
	OK        bool   `json:"ok"`
	CheckedAt int64  `json:"checkedAt"` // unix ms
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProviderRecord is one discovered backend.
type ProviderRecord struct {
	ID                  string               `json:"id"`
	Kind                string               `json:"kind"` // "local" or "remote"
	Config              *config.ProviderSpec `json:"config"`
	ReliabilityScore    int                  `json:"reliabilityScore"`
	ConsecutiveFailures int                  `json:"consecutiveFailures"`
	LastResult          *LastResult          `json:"lastResult,omitempty"`
}

// valid reports whether a loaded record passes schema validation.
// Invalid records are skipped on load, never fatal.
func (r *ProviderRecord) valid(key string) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	if r.ID == "" || r.ID != key {
		return fmt.Errorf("id %q does not match key %q", r.ID, key)
	}
	if r.Kind != KindLocal && r.Kind != KindRemote {
		return fmt.Errorf("unknown kind %q", r.Kind)
	}
	if r.Config == nil {
		return fmt.Errorf("missing config")
	}
	if err := r.Config.Normalize(r.ID); err != nil {
		return err
	}
	if r.ReliabilityScore < 0 || r.ReliabilityScore > 100 {
		return fmt.Errorf("score %d out of range", r.ReliabilityScore)
	}
	if r.ConsecutiveFailures < 0 {
		return fmt.Errorf("negative failure count")
	}
	return nil
}

// clone deep-copies a record so overlay rewrites never alias loaded state.
func (r *ProviderRecord) clone() *ProviderRecord {
	cp := *r
	if r.Config != nil {
		cfg := *r.Config
		cp.Config = &cfg
	}
	if r.LastResult != nil {
		lr := *r.LastResult
		cp.LastResult = &lr
	}
	return &cp
}

// Overlay is the persisted set of discovered providers.
type Overlay struct {
	Version     int                        `json:"version"`
	GeneratedAt int64                      `json:"generatedAt"` // unix ms
	Providers   map[string]*ProviderRecord `json:"providers"`
}

// NewOverlay returns an empty overlay stamped now.
func NewOverlay(now time.Time) *Overlay {
	return &Overlay{
		Version:     overlayVersion,
		GeneratedAt: now.UnixMilli(),
		Providers:   make(map[string]*ProviderRecord),
	}
}

// IDs returns the record ids, sorted.
func (o *Overlay) IDs() []string {
	ids := make([]string, 0, len(o.Providers))
	for id := range o.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OverlayStore persists the overlay at a fixed path with crash-safe
// writes and a rolling backup.
type OverlayStore struct {
	path   string
	logger *slog.Logger
}

// NewOverlayStore builds a store for path.
func NewOverlayStore(path string, logger *slog.Logger) *OverlayStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverlayStore{path: path, logger: logger}
}

// Path returns the overlay file location.
func (s *OverlayStore) Path() string { return s.path }

// Load reads the overlay. A missing file yields an empty overlay.
// Records failing schema validation are skipped with a warning so one
// corrupt entry cannot poison the rest.
func (s *OverlayStore) Load() (*Overlay, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewOverlay(time.Now()), nil
	}
	if err != nil {
		return NewOverlay(time.Now()), fmt.Errorf("read overlay: %w", err)
	}

	var raw Overlay
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewOverlay(time.Now()), fmt.Errorf("parse overlay %s: %w", s.path, err)
	}

	out := &Overlay{
		Version:     raw.Version,
		GeneratedAt: raw.GeneratedAt,
		Providers:   make(map[string]*ProviderRecord, len(raw.Providers)),
	}
	if out.Version == 0 {
		out.Version = overlayVersion
	}
	for key, rec := range raw.Providers {
		if err := rec.valid(key); err != nil {
			s.logger.Warn("discovery.record_skipped", "id", key, "error", err)
			continue
		}
		out.Providers[key] = rec
	}
	return out, nil
}

// Save writes atomically: the previous file is copied to .bak, the new
// content lands in a temp file and renames over the target.
func (s *OverlayStore) Save(o *Overlay) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create overlay dir: %w", err)
	}

	if prev, err := os.ReadFile(s.path); err == nil {
		if err := os.WriteFile(s.path+".bak", prev, 0o644); err != nil {
			s.logger.Warn("discovery.backup_failed", "path", s.path+".bak", "error", err)
		}
	}

	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal overlay: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".providers-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp overlay: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write overlay: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync overlay: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close overlay: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename overlay: %w", err)
	}
	return nil
}
