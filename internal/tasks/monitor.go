package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// timedOutReason is recorded as the task error when a deadline passes.
const timedOutReason = "timed_out"

// MonitorOptions tunes the timeout monitor.
type MonitorOptions struct {
	Interval         time.Duration // scan period (default 1s)
	WarningThreshold time.Duration // emit a warning when remaining time drops inside this window (default 30s)
	OnTerminal       func(*Task)   // invoked after a task is failed by timeout, typically Queue.NotifyTerminal
	Logger           *slog.Logger
}

// TimeoutMonitor periodically scans running tasks and fails those whose
// deadline has passed. A task nearing its deadline gets a single warning
// event; the warning fires at most once per task over its lifetime.
type TimeoutMonitor struct {
	store      *Store
	events     bus.EventPublisher
	logger     *slog.Logger
	interval   time.Duration
	warnWindow time.Duration
	onTerminal func(*Task)
	now        func() time.Time

	mu     sync.Mutex
	warned map[string]bool
}

// NewTimeoutMonitor builds a monitor over the given store.
func NewTimeoutMonitor(store *Store, events bus.EventPublisher, opts MonitorOptions) *TimeoutMonitor {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.WarningThreshold <= 0 {
		opts.WarningThreshold = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TimeoutMonitor{
		store:      store,
		events:     events,
		logger:     opts.Logger,
		interval:   opts.Interval,
		warnWindow: opts.WarningThreshold,
		onTerminal: opts.OnTerminal,
		now:        time.Now,
		warned:     make(map[string]bool),
	}
}

// Start launches the scan loop. It returns immediately; the loop stops
// when ctx is cancelled.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Scan()
			}
		}
	}()
}

// Scan performs one pass over active tasks. Exposed so callers can force
// a pass without waiting for the ticker.
func (m *TimeoutMonitor) Scan() {
	active, err := m.store.ActiveTasks()
	if err != nil {
		m.logger.Error("tasks.timeout_scan_failed", "error", err)
		return
	}
	nowMs := m.now().UnixMilli()
	warnMs := m.warnWindow.Milliseconds()
	seen := make(map[string]bool, len(active))

	for _, t := range active {
		seen[t.ID] = true
		if t.TimeoutMs <= 0 || t.StartedAt == 0 {
			continue
		}
		remaining := t.StartedAt + t.TimeoutMs - nowMs
		if remaining <= 0 {
			m.fail(t, nowMs)
			continue
		}
		if remaining <= warnMs && !m.hasWarned(t.ID) {
			m.markWarned(t.ID)
			m.logger.Warn("tasks.timeout_warning", "task", t.ID, "ms_until_timeout", remaining)
			m.emit(protocol.EventTaskTimeoutWarning, map[string]interface{}{
				"taskId":         t.ID,
				"msUntilTimeout": remaining,
			})
		}
	}

	// Drop warning marks for tasks that are gone or terminal.
	m.mu.Lock()
	for id := range m.warned {
		if !seen[id] {
			delete(m.warned, id)
		}
	}
	m.mu.Unlock()
}

func (m *TimeoutMonitor) fail(t *Task, nowMs int64) {
	var already bool
	snap, err := m.store.Update(t.ID, func(u *Task) {
		if u.Status.IsTerminal() {
			already = true
			return
		}
		u.Status = StatusFailed
		u.Error = timedOutReason
		u.EndedAt = nowMs
	})
	if err != nil {
		m.logger.Error("tasks.timeout_write_failed", "task", t.ID, "error", err)
		return
	}
	if already {
		return
	}
	m.logger.Warn("tasks.timed_out", "task", t.ID, "timeout_ms", t.TimeoutMs, "lane", t.Lane)
	m.emit(protocol.EventTaskTimeout, map[string]interface{}{
		"taskId":    t.ID,
		"reason":    timedOutReason,
		"timestamp": nowMs,
	})
	m.emit(protocol.EventTaskFailed, map[string]interface{}{
		"taskId": t.ID,
		"error":  timedOutReason,
	})
	if m.onTerminal != nil {
		m.onTerminal(snap)
	}
}

func (m *TimeoutMonitor) hasWarned(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warned[id]
}

func (m *TimeoutMonitor) markWarned(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warned[id] = true
}

func (m *TimeoutMonitor) emit(name string, payload interface{}) {
	if m.events == nil {
		return
	}
	m.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
