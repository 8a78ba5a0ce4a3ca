package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/providers"
)

var (
	// ErrNoProvider means the routing table and fallback chain resolved to
	// nothing that is registered and usable.
	ErrNoProvider = errors.New("no_provider")
	// ErrNoHealthyProvider means every candidate was cooling, unhealthy or
	// incapable of the requested action.
	ErrNoHealthyProvider = errors.New("no_healthy_provider")
)

// Priority groups for candidate ordering: locals first, configured remotes
// second, discovered backups last.
const (
	groupLocal      = 0
	groupConfigured = 1
	groupDiscovered = 2
)

// SelectOpts tunes one SelectBest call.
type SelectOpts struct {
	Tier         string // pin a quality tier ("fast", "quality")
	RequireTools bool   // skip providers that cannot run tool-call loops
}

// Selection is a resolved provider for one action.
type Selection struct {
	ID       string
	Provider providers.Provider
	Model    string // action-specific model from the provider spec
}

// Manager owns provider instances, routing, the health cache and the circuit
// breaker. All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	providers  map[string]providers.Provider
	specs      map[string]*config.ProviderSpec
	discovered map[string]bool

	routing          map[string]string // action → provider id
	defaultProvider  string
	fallbackChain    []string
	tiers            map[string]string // tier name → provider id
	fallbackFromFast bool

	breaker *CircuitBreaker
	health  *healthCache
	logger  *slog.Logger
}

// Options configures a Manager.
type Options struct {
	Breaker          config.BreakerConfig
	Routing          map[string]string
	Default          string
	FallbackChain    []string
	Tiers            map[string]string
	FallbackFromFast bool
	Logger           *slog.Logger
}

// NewManager builds an empty Manager; providers are added via Register.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		providers:        make(map[string]providers.Provider),
		specs:            make(map[string]*config.ProviderSpec),
		discovered:       make(map[string]bool),
		routing:          maps.Clone(opts.Routing),
		defaultProvider:  opts.Default,
		fallbackChain:    slices.Clone(opts.FallbackChain),
		tiers:            maps.Clone(opts.Tiers),
		fallbackFromFast: opts.FallbackFromFast,
		breaker: NewCircuitBreaker(
			time.Duration(opts.Breaker.BaseCooldownMs)*time.Millisecond,
			time.Duration(opts.Breaker.MaxCooldownMs)*time.Millisecond,
		),
		health: newHealthCache(),
		logger: logger,
	}
}

// NewFromConfig builds a Manager and registers every configured provider.
// Individual registration failures are logged and skipped so one broken
// entry does not take the process down.
func NewFromConfig(cfg *config.ProvidersConfig, logger *slog.Logger) *Manager {
	m := NewManager(Options{
		Breaker:          cfg.Breaker,
		Routing:          cfg.Routing,
		Default:          cfg.Default,
		FallbackChain:    cfg.FallbackChain,
		Tiers:            cfg.Tiers,
		FallbackFromFast: cfg.FallbackFromFast,
		Logger:           logger,
	})
	ids := make([]string, 0, len(cfg.List))
	for id := range cfg.List {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := m.Register(id, cfg.List[id]); err != nil {
			m.logger.Error("router.register_failed", "provider", id, "error", err)
		}
	}
	return m
}

// Register constructs the concrete variant for a spec and inserts it.
// Re-registering an id replaces the prior instance and clears its health and
// breaker state.
func (m *Manager) Register(id string, spec *config.ProviderSpec) error {
	if id == "" {
		return fmt.Errorf("register: invalid_config: empty provider id")
	}
	p, err := providers.FromSpec(id, spec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, replaced := m.providers[id]
	m.providers[id] = p
	m.specs[id] = spec
	m.mu.Unlock()

	m.health.invalidate(id)
	m.breaker.Clear(id)

	m.logger.Info("router.provider_registered",
		"provider", id, "kind", p.Kind(), "model", p.DefaultModel(), "replaced", replaced)
	return nil
}

// RegisterDiscovered inserts a provider found by the discovery sweep. The id
// joins the discovered priority group regardless of its prefix. With
// ensureFallbackChain the id is appended to the chain when absent.
func (m *Manager) RegisterDiscovered(id string, spec *config.ProviderSpec, ensureFallbackChain bool) (created bool, err error) {
	m.mu.RLock()
	_, existed := m.providers[id]
	m.mu.RUnlock()

	if err := m.Register(id, spec); err != nil {
		return false, err
	}

	m.mu.Lock()
	m.discovered[id] = true
	if ensureFallbackChain && !slices.Contains(m.fallbackChain, id) {
		m.fallbackChain = append(m.fallbackChain, id)
	}
	m.mu.Unlock()

	return !existed, nil
}

// Unregister removes a provider and all its cached state, including its
// fallback-chain slot. Reports whether an entry existed.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	_, existed := m.providers[id]
	delete(m.providers, id)
	delete(m.specs, id)
	delete(m.discovered, id)
	m.fallbackChain = slices.DeleteFunc(slices.Clone(m.fallbackChain), func(s string) bool { return s == id })
	m.mu.Unlock()

	m.health.invalidate(id)
	m.breaker.Clear(id)

	if existed {
		m.logger.Info("router.provider_unregistered", "provider", id)
	}
	return existed
}

// Get returns a registered provider by id.
func (m *Manager) Get(id string) (providers.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

// IDs returns the registered provider ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetProvider resolves routing[action] ?? default, or the first non-cooling
// registered fallback. No health probing; use SelectBest for that.
func (m *Manager) GetProvider(action string) (providers.Provider, error) {
	m.mu.RLock()
	routed := m.routing[action]
	if routed == "" {
		routed = m.defaultProvider
	}
	chain := slices.Clone(m.fallbackChain)
	m.mu.RUnlock()

	if routed != "" {
		if p, ok := m.Get(routed); ok && !m.breaker.IsCoolingDown(routed) {
			return p, nil
		}
	}
	for _, id := range chain {
		if p, ok := m.Get(id); ok && !m.breaker.IsCoolingDown(id) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("action %q: %w", action, ErrNoProvider)
}

// priorityGroup classifies an id. The explicit discovered set wins over
// prefix conventions.
func (m *Manager) priorityGroup(id string) int {
	if m.discovered[id] {
		return groupDiscovered
	}
	if strings.HasPrefix(id, "local:") {
		return groupLocal
	}
	if strings.HasPrefix(id, "backup:") || strings.HasPrefix(id, "discovered:") {
		return groupDiscovered
	}
	return groupConfigured
}

// buildCandidates assembles the ordered, deduplicated candidate list:
// tier pin → routed → parentForCli when the routed variant cannot run
// tools → quality escalation → fallback chain → remaining by
// (group, coolingDown, failures, id).
func (m *Manager) buildCandidates(action string, opts SelectOpts) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ordered []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ordered = append(ordered, id)
	}

	if opts.Tier != "" {
		add(m.tiers[opts.Tier])
	}

	routed := m.routing[action]
	if routed == "" {
		routed = m.defaultProvider
	}
	add(routed)

	// A CLI variant routed for this action cannot run tool-call loops; the
	// parentForCli route steps in directly behind it.
	if opts.RequireTools {
		if p, ok := m.providers[routed]; ok && !providers.SupportsTools(p.Kind()) {
			add(m.routing["parentForCli"])
		}
	}

	if m.fallbackFromFast {
		fast := m.tiers["fast"]
		if opts.Tier == "fast" || (fast != "" && routed == fast) {
			add(m.tiers["quality"])
		}
	}

	for _, id := range m.fallbackChain {
		add(id)
	}

	type rest struct {
		id       string
		group    int
		cooling  bool
		failures int
	}
	var remaining []rest
	for id := range m.providers {
		if seen[id] {
			continue
		}
		remaining = append(remaining, rest{
			id:       id,
			group:    m.priorityGroup(id),
			cooling:  m.breaker.IsCoolingDown(id),
			failures: m.breaker.Failures(id),
		})
	}
	sort.Slice(remaining, func(i, j int) bool {
		a, b := remaining[i], remaining[j]
		if a.group != b.group {
			return a.group < b.group
		}
		if a.cooling != b.cooling {
			return !a.cooling
		}
		if a.failures != b.failures {
			return a.failures < b.failures
		}
		return a.id < b.id
	})
	for _, r := range remaining {
		add(r.id)
	}

	return ordered
}

// SelectBest walks the candidate list and returns the first provider that is
// registered, capable, not cooling, and healthy (cached or freshly probed).
// Probe failures are logged, cached negative, and never propagated.
func (m *Manager) SelectBest(ctx context.Context, action string, opts SelectOpts) (*Selection, error) {
	candidates := m.buildCandidates(action, opts)

	for _, id := range candidates {
		m.mu.RLock()
		p, ok := m.providers[id]
		spec := m.specs[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if opts.RequireTools && !providers.SupportsTools(p.Kind()) {
			continue
		}
		if m.breaker.IsCoolingDown(id) {
			continue
		}

		ttl := 5 * time.Minute
		probeTimeout := 5 * time.Second
		model := p.DefaultModel()
		if spec != nil {
			if spec.HealthCheckCacheTTLMinutes > 0 {
				ttl = time.Duration(spec.HealthCheckCacheTTLMinutes) * time.Minute
			}
			if spec.HealthCheckTimeoutMs > 0 {
				probeTimeout = time.Duration(spec.HealthCheckTimeoutMs) * time.Millisecond
			}
			if am := spec.ModelFor(action); am != "" {
				model = am
			}
		}

		if healthy, found := m.health.get(id, ttl); found {
			if healthy {
				return &Selection{ID: id, Provider: p, Model: model}, nil
			}
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.Health(probeCtx)
		cancel()
		if err != nil {
			m.health.set(id, false, err.Error())
			m.logger.Debug("router.probe_failed", "provider", id, "error", err)
			continue
		}
		m.health.set(id, true, "")
		return &Selection{ID: id, Provider: p, Model: model}, nil
	}

	m.logger.Warn("router.no_healthy_provider", "action", action, "candidates", len(candidates))
	return nil, fmt.Errorf("action %q: %w", action, ErrNoHealthyProvider)
}

// RecordFailure feeds the breaker and logs the first transition into
// cooldown for this streak.
func (m *Manager) RecordFailure(id string, reason providers.FailoverReason) {
	if _, ok := m.Get(id); !ok {
		return
	}
	opened, failures, until := m.breaker.RecordFailure(id, reason)
	m.health.invalidate(id)
	if opened {
		m.logger.Warn("router.breaker_opened",
			"provider", id, "reason", string(reason), "failures", failures,
			"cooldownUntil", until.Format(time.RFC3339))
	} else {
		m.logger.Debug("router.breaker_extended",
			"provider", id, "reason", string(reason), "failures", failures)
	}
}

// RecordSuccess clears breaker state; reports whether the provider was
// recovering from a failure streak.
func (m *Manager) RecordSuccess(id string) bool {
	recovering, reason := m.breaker.RecordSuccess(id)
	if recovering {
		m.logger.Info("router.provider_recovered", "provider", id, "lastReason", string(reason))
	}
	return recovering
}

// UpdateRouting atomically replaces the action routing table. A no-op when
// the table is unchanged. In-flight calls keep the providers they resolved.
func (m *Manager) UpdateRouting(next map[string]string) {
	m.mu.Lock()
	if maps.Equal(m.routing, next) {
		m.mu.Unlock()
		return
	}
	m.routing = maps.Clone(next)
	m.mu.Unlock()

	m.health.clear()
	m.logger.Info("router.routing_updated", "routes", len(next))
}

// UpdateFallbackChain atomically replaces the failover order. A no-op when
// the chain is unchanged.
func (m *Manager) UpdateFallbackChain(next []string) {
	m.mu.Lock()
	if slices.Equal(m.fallbackChain, next) {
		m.mu.Unlock()
		return
	}
	m.fallbackChain = slices.Clone(next)
	m.mu.Unlock()

	m.health.clear()
	m.logger.Info("router.fallback_chain_updated", "chain", strings.Join(next, ","))
}

// SetDefault replaces the default provider id used when no route matches.
func (m *Manager) SetDefault(id string) {
	m.mu.Lock()
	m.defaultProvider = id
	m.mu.Unlock()
}

// FallbackChain returns a copy of the current chain.
func (m *Manager) FallbackChain() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.fallbackChain)
}

// Routing returns a copy of the action routing table.
func (m *Manager) Routing() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.routing)
}

// IsDiscovered reports whether the id came from the discovery sweep.
func (m *Manager) IsDiscovered(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovered[id]
}

// Spec returns the normalized spec a provider was registered with.
func (m *Manager) Spec(id string) (*config.ProviderSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specs[id]
	return s, ok
}

// ProviderStatus is one row of the status surface.
type ProviderStatus struct {
	ID          string                   `json:"id"`
	Kind        string                   `json:"kind"`
	Model       string                   `json:"model,omitempty"`
	Group       string                   `json:"group"`
	Discovered  bool                     `json:"discovered,omitempty"`
	CoolingDown bool                     `json:"coolingDown,omitempty"`
	Failures    int                      `json:"failures,omitempty"`
	LastReason  providers.FailoverReason `json:"lastReason,omitempty"`
	InChain     bool                     `json:"inChain"`
}

// Status snapshots every registered provider for admin surfaces.
func (m *Manager) Status() []ProviderStatus {
	breaker := m.breaker.Snapshot()

	m.mu.RLock()
	defer m.mu.RUnlock()

	groupNames := map[int]string{groupLocal: "local", groupConfigured: "configured", groupDiscovered: "discovered"}
	out := make([]ProviderStatus, 0, len(m.providers))
	for id, p := range m.providers {
		st := ProviderStatus{
			ID:         id,
			Kind:       p.Kind(),
			Model:      p.DefaultModel(),
			Group:      groupNames[m.priorityGroup(id)],
			Discovered: m.discovered[id],
			InChain:    slices.Contains(m.fallbackChain, id),
		}
		if b, ok := breaker[id]; ok {
			st.CoolingDown = b.CoolingDown
			st.Failures = b.Failures
			st.LastReason = b.LastReason
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
