package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// Discovery modes. Scheduled sweeps probe configured candidates;
// emergency sweeps widen to well-known local endpoints.
const (
	ModeScheduled = "scheduled"
	ModeEmergency = "emergency"
)

// disabledError is the fixed payload both operations return when the
// kill switch or test mode is active.
const disabledError = "provider_discovery_disabled"

const (
	defaultMaxConsecutiveFailures = 3
	probeParallelism              = 4
)

// probePace spaces verification calls so a large candidate list does not
// hammer local inference servers.
var probePace = rate.Every(100 * time.Millisecond)

// ProviderRegistry is the slice of the router manager discovery drives.
type ProviderRegistry interface {
	RegisterDiscovered(id string, spec *config.ProviderSpec, ensureFallbackChain bool) (bool, error)
	Unregister(id string) bool
	UpdateFallbackChain(next []string)
}

// Result reports one discovery or health-check pass.
type Result struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error,omitempty"`
	Mode    string   `json:"mode,omitempty"`
	Probed  int      `json:"probed"`
	Healthy int      `json:"healthy"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Options configures a Service.
type Options struct {
	Config config.DiscoveryConfig
	// BaseChain is the configured fallback chain before overlay entries.
	BaseChain []string
	// Enabled gates both operations; nil means always enabled.
	Enabled func() bool
	// Notify pushes operator-facing notices (provider removals). Optional.
	Notify func(ctx context.Context, message string)
	Logger *slog.Logger
}

// Service owns the overlay lifecycle: probe, score, persist, apply.
type Service struct {
	registry ProviderRegistry
	store    *OverlayStore
	cfg      config.DiscoveryConfig
	enabled  func() bool
	notify   func(ctx context.Context, message string)
	logger   *slog.Logger

	probe   ProbeFunc
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.Mutex
	baseChain []string
}

// NewService builds a discovery service over a registry and an overlay
// store.
func NewService(registry ProviderRegistry, store *OverlayStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	enabled := opts.Enabled
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Service{
		registry:  registry,
		store:     store,
		cfg:       opts.Config,
		enabled:   enabled,
		notify:    opts.Notify,
		logger:    logger,
		probe:     chatProbe,
		limiter:   rate.NewLimiter(probePace, probeParallelism),
		now:       time.Now,
		baseChain: slices.Clone(opts.BaseChain),
	}
}

// SetBaseChain replaces the configured chain used in rebuilds. Called on
// config hot-reload.
func (s *Service) SetBaseChain(chain []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseChain = slices.Clone(chain)
}

// Overlay loads the persisted overlay for inspection surfaces. The returned
// snapshot is independent of any in-flight sweep.
func (s *Service) Overlay() (*Overlay, error) {
	return s.store.Load()
}

// OverlayPath returns where the overlay file lives.
func (s *Service) OverlayPath() string {
	return s.store.Path()
}

func (s *Service) base() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.baseChain)
}

func (s *Service) maxFailures() int {
	if s.cfg.MaxConsecutiveFailures > 0 {
		return s.cfg.MaxConsecutiveFailures
	}
	return defaultMaxConsecutiveFailures
}

func (s *Service) probeTimeout() time.Duration {
	if s.cfg.ProbeTimeoutMs > 0 {
		return time.Duration(s.cfg.ProbeTimeoutMs) * time.Millisecond
	}
	return defaultProbeTimeout
}

func disabledResult(mode string) Result {
	return Result{OK: false, Error: disabledError, Mode: mode}
}

// candidate is one endpoint to verify.
type candidate struct {
	id   string
	spec *config.ProviderSpec
}

// wellKnownLocal are the endpoints an emergency sweep always tries.
func wellKnownLocal() []candidate {
	return []candidate{
		{
			id:   "discovered:ollama",
			spec: &config.ProviderSpec{Type: config.ProviderTypeLocal, BaseURL: "http://127.0.0.1:11434"},
		},
		{
			id:   "discovered:lmstudio",
			spec: &config.ProviderSpec{Type: config.ProviderTypeOpenAI, BaseURL: "http://127.0.0.1:1234/v1"},
		},
	}
}

// candidates assembles the sweep set for a mode, deduplicated by id and
// base URL.
func (s *Service) candidates(mode string) []candidate {
	var out []candidate
	seenID := make(map[string]bool)
	seenURL := make(map[string]bool)
	add := func(c candidate) {
		if c.id == "" || c.spec == nil {
			return
		}
		url := strings.TrimRight(c.spec.BaseURL, "/")
		if seenID[c.id] || (url != "" && seenURL[url]) {
			return
		}
		if err := c.spec.Normalize(c.id); err != nil {
			s.logger.Warn("discovery.candidate_skipped", "id", c.id, "error", err)
			return
		}
		seenID[c.id] = true
		if url != "" {
			seenURL[url] = true
		}
		out = append(out, c)
	}

	for _, cc := range s.cfg.Candidates {
		spec := &config.ProviderSpec{
			Type:    cc.Type,
			BaseURL: cc.BaseURL,
			APIKey:  cc.APIKey,
			Model:   cc.Model,
		}
		if spec.Type == "" {
			spec.Type = config.ProviderTypeOpenAI
		}
		id := cc.ID
		if id == "" {
			id = "discovered:" + strings.TrimPrefix(strings.TrimPrefix(strings.TrimRight(cc.BaseURL, "/"), "https://"), "http://")
		}
		add(candidate{id: id, spec: spec})
	}

	if mode == ModeEmergency {
		for _, c := range wellKnownLocal() {
			add(c)
		}
	}
	return out
}

// RunDiscovery sweeps the candidate set, rebuilds the overlay against
// the previous one, persists it, and applies it to the registry.
// Candidates that answer the probe enter the overlay; known records that
// stop answering accrue failures and drop at the threshold; unknown
// candidates that fail never enter.
func (s *Service) RunDiscovery(ctx context.Context, mode string) (Result, error) {
	if mode != ModeEmergency {
		mode = ModeScheduled
	}
	if !s.enabled() {
		return disabledResult(mode), nil
	}

	prev, err := s.store.Load()
	if err != nil {
		s.logger.Warn("discovery.overlay_load_failed", "error", err)
	}

	cands := s.candidates(mode)
	results := s.probeAll(ctx, cands)

	// Start from the previous overlay so records outside this sweep's
	// candidate set survive; runHealthCheck owns their upkeep.
	next := NewOverlay(s.now())
	for id, rec := range prev.Providers {
		next.Providers[id] = rec.clone()
	}

	res := Result{OK: true, Mode: mode, Probed: len(cands)}
	for i, c := range cands {
		pr := results[i]
		checked := &LastResult{
			OK:        pr.OK,
			CheckedAt: s.now().UnixMilli(),
			LatencyMs: pr.LatencyMs,
			Error:     pr.Error,
		}
		if pr.OK {
			res.Healthy++
			next.Providers[c.id] = &ProviderRecord{
				ID:               c.id,
				Kind:             kindFor(c.spec),
				Config:           c.spec,
				ReliabilityScore: scoreFor(pr),
				LastResult:       checked,
			}
			continue
		}
		kept, known := next.Providers[c.id]
		if !known {
			s.logger.Debug("discovery.candidate_unreachable", "id", c.id, "error", pr.Error)
			continue
		}
		kept.ConsecutiveFailures++
		kept.ReliabilityScore = 0
		kept.LastResult = checked
		if kept.ConsecutiveFailures >= s.maxFailures() {
			s.logger.Warn("discovery.provider_removed",
				"id", c.id, "failures", kept.ConsecutiveFailures)
			delete(next.Providers, c.id)
		}
	}

	res.Added, res.Removed = diffIDs(prev, next)

	if err := s.store.Save(next); err != nil {
		s.logger.Error("discovery.overlay_save_failed", "error", err)
	}
	s.applyOverlay(prev, next)
	s.notifyRemovals(ctx, res.Removed, "discovery sweep")

	s.logger.Info("discovery.sweep_done",
		"mode", mode, "probed", res.Probed, "healthy", res.Healthy,
		"added", len(res.Added), "removed", len(res.Removed))
	return res, nil
}

// RunHealthCheck re-verifies every overlay record, dropping those at the
// consecutive-failure threshold, then persists and reapplies.
func (s *Service) RunHealthCheck(ctx context.Context) (Result, error) {
	if !s.enabled() {
		return disabledResult(""), nil
	}

	prev, err := s.store.Load()
	if err != nil {
		s.logger.Warn("discovery.overlay_load_failed", "error", err)
	}

	ids := prev.IDs()
	res := Result{OK: true, Probed: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	cands := make([]candidate, len(ids))
	for i, id := range ids {
		cands[i] = candidate{id: id, spec: prev.Providers[id].Config}
	}
	results := s.probeAll(ctx, cands)

	next := NewOverlay(s.now())
	for i, id := range ids {
		rec := prev.Providers[id].clone()
		pr := results[i]
		rec.LastResult = &LastResult{
			OK:        pr.OK,
			CheckedAt: s.now().UnixMilli(),
			LatencyMs: pr.LatencyMs,
			Error:     pr.Error,
		}
		if pr.OK {
			rec.ConsecutiveFailures = 0
			rec.ReliabilityScore = scoreFor(pr)
			res.Healthy++
			next.Providers[id] = rec
			continue
		}
		rec.ConsecutiveFailures++
		rec.ReliabilityScore = 0
		if rec.ConsecutiveFailures >= s.maxFailures() {
			s.logger.Warn("discovery.provider_removed",
				"id", id, "failures", rec.ConsecutiveFailures)
			res.Removed = append(res.Removed, id)
			continue
		}
		next.Providers[id] = rec
	}

	if err := s.store.Save(next); err != nil {
		s.logger.Error("discovery.overlay_save_failed", "error", err)
	}
	s.applyOverlay(prev, next)
	s.notifyRemovals(ctx, res.Removed, "health check")

	s.logger.Info("discovery.health_check_done",
		"probed", res.Probed, "healthy", res.Healthy, "removed", len(res.Removed))
	return res, nil
}

// probeAll verifies candidates in parallel, paced and bounded. Results
// are index-aligned with the input.
func (s *Service) probeAll(ctx context.Context, cands []candidate) []ProbeResult {
	results := make([]ProbeResult, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeParallelism)
	timeout := s.probeTimeout()
	for i, c := range cands {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				results[i] = ProbeResult{Error: err.Error()}
				return nil
			}
			results[i] = s.probe(gctx, c.id, c.spec, timeout)
			return nil
		})
	}
	g.Wait()
	return results
}

// applyOverlay reconciles the registry with the next overlay and
// rebuilds the fallback chain: configured base (overlay ids stripped),
// then overlay entries ordered local-first, score desc, id asc.
func (s *Service) applyOverlay(prev, next *Overlay) {
	for _, id := range prev.IDs() {
		if _, kept := next.Providers[id]; !kept {
			s.registry.Unregister(id)
		}
	}

	for _, id := range next.IDs() {
		rec := next.Providers[id]
		if _, err := s.registry.RegisterDiscovered(id, rec.Config, false); err != nil {
			s.logger.Warn("discovery.register_failed", "id", id, "error", err)
		}
	}

	overlayIDs := make(map[string]bool, len(next.Providers))
	for id := range next.Providers {
		overlayIDs[id] = true
	}
	var chain []string
	seen := make(map[string]bool)
	for _, id := range s.base() {
		if overlayIDs[id] || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}

	ordered := make([]*ProviderRecord, 0, len(next.Providers))
	for _, id := range next.IDs() {
		ordered = append(ordered, next.Providers[id])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if (a.Kind == KindLocal) != (b.Kind == KindLocal) {
			return a.Kind == KindLocal
		}
		if a.ReliabilityScore != b.ReliabilityScore {
			return a.ReliabilityScore > b.ReliabilityScore
		}
		return a.ID < b.ID
	})
	for _, rec := range ordered {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		chain = append(chain, rec.ID)
	}

	s.registry.UpdateFallbackChain(chain)
}

// diffIDs reports ids added by next and ids removed from prev.
func diffIDs(prev, next *Overlay) (added, removed []string) {
	for _, id := range next.IDs() {
		if _, ok := prev.Providers[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev.IDs() {
		if _, ok := next.Providers[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}

func (s *Service) notifyRemovals(ctx context.Context, removed []string, pass string) {
	if s.notify == nil || len(removed) == 0 {
		return
	}
	s.notify(ctx, fmt.Sprintf("Removed %d unreachable discovered provider(s) during %s: %s",
		len(removed), pass, strings.Join(removed, ", ")))
}
