// Package mainagent runs the autonomous supervisor: a periodic duty cycle
// that watches provider health, triggers discovery maintenance, schedules
// background duties, and turns error-log spikes into investigation tasks.
// It owns no channel of its own; owner-facing notices go through a pluggable
// sink so the wiring layer decides where they land.
package mainagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goant/internal/agent"
	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
)

const (
	defaultCycleInterval    = time.Minute
	defaultSurvivalCooldown = 5 * time.Minute

	defaultHealthCheckInterval = 30 * time.Minute
	defaultResearchInterval    = 24 * time.Hour
	defaultMinBackupProviders  = 1

	subscriberID = "mainagent"
)

// AgentRunner is the slice of the agent engine the supervisor drives.
type AgentRunner interface {
	Execute(ctx context.Context, req agent.ExecuteRequest) (*agent.ExecuteResult, error)
	HasHealthyProvider(ctx context.Context) bool
}

// DiscoveryRunner is the slice of the discovery service the supervisor
// drives for emergency and scheduled maintenance.
type DiscoveryRunner interface {
	RunDiscovery(ctx context.Context, mode string) (discovery.Result, error)
	RunHealthCheck(ctx context.Context) (discovery.Result, error)
}

// Options wires an Agent.
type Options struct {
	Config    config.MainAgentConfig
	Discovery config.DiscoveryConfig

	Engine     AgentRunner
	Discoverer DiscoveryRunner
	Queue      *tasks.Queue
	Store      *tasks.Store
	Events     bus.EventPublisher

	// Sink delivers owner notifications. Nil disables them.
	Sink OwnerSink
	// DiscoveryEnabled gates scheduled maintenance; nil means enabled.
	DiscoveryEnabled func() bool
	Logger           *slog.Logger
}

// Agent is the main-agent supervisor.
type Agent struct {
	cfg        config.MainAgentConfig
	dcfg       config.DiscoveryConfig
	engine     AgentRunner
	discoverer DiscoveryRunner
	queue      *tasks.Queue
	store      *tasks.Store
	events     bus.EventPublisher
	notifier   *Notifier
	logger     *slog.Logger

	discoveryOn func() bool
	now         func() time.Time

	cycleInterval    time.Duration
	survivalCooldown time.Duration

	running atomic.Bool
	paused  atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu                  sync.Mutex
	startedAt           time.Time
	survival            bool
	lastSurvivalAttempt time.Time
	lastHealthCheckAt   time.Time
	lastDiscoveryAt     time.Time
	dutyLastRun         map[string]time.Time

	scanBusy        atomic.Bool
	lastErrorScanAt time.Time
	investigated    map[string]time.Time
}

// New builds a supervisor. Start must be called before it does anything.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		cfg:          opts.Config,
		dcfg:         opts.Discovery,
		engine:       opts.Engine,
		discoverer:   opts.Discoverer,
		queue:        opts.Queue,
		store:        opts.Store,
		events:       opts.Events,
		notifier:     NewNotifier(opts.Config.NotifyOn, opts.Sink, logger),
		logger:       logger,
		discoveryOn:  opts.DiscoveryEnabled,
		now:          time.Now,
		dutyLastRun:  make(map[string]time.Time),
		investigated: make(map[string]time.Time),
	}
	a.cycleInterval = defaultCycleInterval
	if opts.Config.CycleIntervalMs > 0 {
		a.cycleInterval = time.Duration(opts.Config.CycleIntervalMs) * time.Millisecond
	}
	a.survivalCooldown = defaultSurvivalCooldown
	if opts.Config.SurvivalAttemptCooldownMs > 0 {
		a.survivalCooldown = time.Duration(opts.Config.SurvivalAttemptCooldownMs) * time.Millisecond
	}
	a.validateDuties()
	return a
}

// Enabled reports whether the supervisor should run at all.
func (a *Agent) Enabled() bool {
	return a.cfg.Enabled == nil || *a.cfg.Enabled
}

// Start replays interrupted tasks, subscribes to task results, and launches
// the duty-cycle and error-scan loops. It is a no-op when disabled.
func (a *Agent) Start(ctx context.Context) error {
	if !a.Enabled() {
		a.logger.Info("mainagent.disabled")
		return nil
	}
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}

	now := a.now()
	a.mu.Lock()
	a.startedAt = now
	a.lastHealthCheckAt = now
	a.lastDiscoveryAt = now
	a.lastErrorScanAt = now
	a.mu.Unlock()

	a.runCtx, a.cancel = context.WithCancel(ctx)
	a.subscribeResults()

	if n, err := a.queue.Replay(a.taskRunFunc()); err != nil {
		a.logger.Warn("mainagent.replay_failed", "error", err)
	} else if n > 0 {
		a.logger.Info("mainagent.tasks_replayed", "count", n)
	}

	a.wg.Add(2)
	go a.cycleLoop(a.runCtx)
	go a.scanLoop(a.runCtx)
	a.logger.Info("mainagent.started",
		"cycle_interval", a.cycleInterval.String(),
		"duties", len(a.cfg.Duties))
	return nil
}

// Stop halts both loops and waits for in-flight work it spawned.
func (a *Agent) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.events.Unsubscribe(subscriberID)
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("mainagent.stopped")
}

// Pause suspends duty cycles and error scans without tearing down loops.
func (a *Agent) Pause() { a.paused.Store(true) }

// Resume lifts a Pause.
func (a *Agent) Resume() { a.paused.Store(false) }

// Paused reports whether the supervisor is suspended.
func (a *Agent) Paused() bool { return a.paused.Load() }

func (a *Agent) cycleLoop(ctx context.Context) {
	defer a.wg.Done()
	a.runCycle(ctx)
	ticker := time.NewTicker(a.cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.paused.Load() {
				continue
			}
			a.runCycle(ctx)
		}
	}
}

// runCycle is one supervisor pass: survival check first, then scheduled
// provider maintenance, then at most one idle duty.
func (a *Agent) runCycle(ctx context.Context) {
	now := a.now()

	if !a.engine.HasHealthyProvider(ctx) {
		a.enterSurvival(ctx, now)
		if !a.engine.HasHealthyProvider(ctx) {
			return
		}
	}
	a.exitSurvival(ctx)

	if a.discoveryEnabled() {
		a.runMaintenance(ctx, now)
	}

	if a.queueIdle() {
		a.runDueDuty(now)
	}
}

// enterSurvival flags survival mode, notifies the owner once per outage,
// and fires emergency discovery subject to the attempt cooldown.
func (a *Agent) enterSurvival(ctx context.Context, now time.Time) {
	a.mu.Lock()
	first := !a.survival
	a.survival = true
	attempt := a.lastSurvivalAttempt.IsZero() || now.Sub(a.lastSurvivalAttempt) >= a.survivalCooldown
	if attempt {
		a.lastSurvivalAttempt = now
	}
	a.mu.Unlock()

	if first {
		a.logger.Warn("mainagent.survival_entered")
		a.notifier.Notify(ctx, CategoryProviders,
			"No healthy provider is reachable. Entering survival mode and attempting emergency discovery.", false)
	}
	if !attempt {
		return
	}
	res, err := a.discoverer.RunDiscovery(ctx, discovery.ModeEmergency)
	switch {
	case err != nil:
		a.logger.Error("mainagent.emergency_discovery_failed", "error", err)
	case !res.OK:
		a.logger.Warn("mainagent.emergency_discovery_skipped", "reason", res.Error)
	default:
		a.logger.Info("mainagent.emergency_discovery",
			"probed", res.Probed, "healthy", res.Healthy, "added", len(res.Added))
	}
}

// exitSurvival clears survival mode and notifies recovery exactly once.
func (a *Agent) exitSurvival(ctx context.Context) {
	a.mu.Lock()
	was := a.survival
	a.survival = false
	a.lastSurvivalAttempt = time.Time{}
	a.mu.Unlock()
	if !was {
		return
	}
	a.logger.Info("mainagent.survival_cleared")
	a.notifier.Notify(ctx, CategoryProviders,
		"A healthy provider is reachable again. Survival mode cleared.", false)
}

// InSurvival reports whether the last cycle found no healthy provider.
func (a *Agent) InSurvival() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.survival
}

// runMaintenance fires the periodic health check and discovery sweep when
// their intervals have elapsed.
func (a *Agent) runMaintenance(ctx context.Context, now time.Time) {
	healthEvery := defaultHealthCheckInterval
	if a.dcfg.HealthCheckIntervalMinutes > 0 {
		healthEvery = time.Duration(a.dcfg.HealthCheckIntervalMinutes) * time.Minute
	}
	researchEvery := defaultResearchInterval
	if a.dcfg.ResearchIntervalHours > 0 {
		researchEvery = time.Duration(a.dcfg.ResearchIntervalHours) * time.Hour
	}

	a.mu.Lock()
	doHealth := now.Sub(a.lastHealthCheckAt) >= healthEvery
	if doHealth {
		a.lastHealthCheckAt = now
	}
	doResearch := now.Sub(a.lastDiscoveryAt) >= researchEvery
	if doResearch {
		a.lastDiscoveryAt = now
	}
	a.mu.Unlock()

	if doHealth {
		a.healthCheck(ctx)
	}
	if doResearch {
		a.discoverySweep(ctx)
	}
}

func (a *Agent) healthCheck(ctx context.Context) {
	res, err := a.discoverer.RunHealthCheck(ctx)
	if err != nil {
		a.logger.Warn("mainagent.health_check_failed", "error", err)
		return
	}
	if !res.OK {
		a.logger.Debug("mainagent.health_check_skipped", "reason", res.Error)
		return
	}
	a.logger.Debug("mainagent.health_check", "probed", res.Probed, "healthy", res.Healthy)
	if len(res.Removed) > 0 {
		a.notifier.Notify(ctx, CategoryProviders,
			"Removed unreachable discovered providers: "+strings.Join(res.Removed, ", "), false)
	}
}

func (a *Agent) discoverySweep(ctx context.Context) {
	res, err := a.discoverer.RunDiscovery(ctx, discovery.ModeScheduled)
	if err != nil {
		a.logger.Warn("mainagent.discovery_failed", "error", err)
		return
	}
	if !res.OK {
		a.logger.Debug("mainagent.discovery_skipped", "reason", res.Error)
		return
	}
	a.logger.Info("mainagent.discovery",
		"probed", res.Probed, "healthy", res.Healthy,
		"added", len(res.Added), "removed", len(res.Removed))

	if len(res.Added)+len(res.Removed) > 0 {
		var parts []string
		if len(res.Added) > 0 {
			parts = append(parts, "added "+strings.Join(res.Added, ", "))
		}
		if len(res.Removed) > 0 {
			parts = append(parts, "removed "+strings.Join(res.Removed, ", "))
		}
		a.notifier.Notify(ctx, CategoryProviders,
			"Provider discovery sweep: "+strings.Join(parts, "; "), false)
	}

	minBackup := a.dcfg.MinBackupProviders
	if minBackup <= 0 {
		minBackup = defaultMinBackupProviders
	}
	if res.Healthy < minBackup {
		a.notifier.Notify(ctx, CategoryProviders,
			fmt.Sprintf("Only %d healthy backup provider(s) found, want at least %d.", res.Healthy, minBackup), false)
	}
}

func (a *Agent) discoveryEnabled() bool {
	return a.discoveryOn == nil || a.discoveryOn()
}

// queueIdle reports whether no lane has running or pending tasks.
func (a *Agent) queueIdle() bool {
	for _, ls := range a.queue.Stats() {
		if ls.Running > 0 || ls.Pending > 0 {
			return false
		}
	}
	return true
}

// taskRunFunc executes a task's description through the agent engine on the
// task's session key. Used for investigations, duties, and restart replay.
func (a *Agent) taskRunFunc() tasks.RunFunc {
	return func(ctx context.Context, t *tasks.Task) (string, error) {
		key := t.SessionKey
		if t.SubagentSessionKey != "" {
			key = t.SubagentSessionKey
		}
		if key == "" {
			key = sessions.BuildSubagentKey(shortID(t.ID))
		}
		req := agent.ExecuteRequest{
			SessionKey: key,
			Query:      t.Description,
			Channel:    t.Metadata.Channel,
			RunID:      t.ID,
			Action:     "subagent",
		}
		if sessions.IsDuty(key) {
			req.ExtraSystemPrompt = dutyInstructions
		}
		res, err := a.engine.Execute(ctx, req)
		if err != nil {
			return "", err
		}
		return res.Response, nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newRunID() string { return uuid.NewString() }
