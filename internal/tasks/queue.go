package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

var (
	// ErrWaitTimeout is returned by WaitForCompletion when the task does
	// not reach a terminal status within the given window.
	ErrWaitTimeout = errors.New("task_wait_timeout")

	// ErrQueueClosed is returned when enqueueing after Close.
	ErrQueueClosed = errors.New("task_queue_closed")
)

// RunFunc executes a task attempt and returns the result text. The task
// argument is a private copy; persistent mutations go through the store.
type RunFunc func(ctx context.Context, t *Task) (string, error)

// QueueOptions tunes the queue. Zero values fall back to defaults
// matching the stock configuration.
type QueueOptions struct {
	MainConcurrency        int
	AutonomousConcurrency  int
	MaintenanceConcurrency int
	DefaultTimeoutMs       int64
	DefaultMaxAttempts     int
	RetryBase              time.Duration
	RetryMax               time.Duration
	Logger                 *slog.Logger
}

type pendingRun struct {
	id  string
	run RunFunc
}

type laneState struct {
	cap     int
	running int
	pending []*pendingRun
}

// LaneStats is a point-in-time snapshot of one lane.
type LaneStats struct {
	Cap     int `json:"cap"`
	Running int `json:"running"`
	Pending int `json:"pending"`
}

// Queue schedules task execution across three lanes, each with its own
// concurrency cap. Lanes are FIFO and never drop: overflow stays queued
// in memory and every task is persisted, so a restart replays it.
type Queue struct {
	store  *Store
	events bus.EventPublisher
	logger *slog.Logger

	defaultTimeoutMs   int64
	defaultMaxAttempts int
	retryBase          time.Duration
	retryMax           time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time

	mu      sync.Mutex
	lanes   map[Lane]*laneState
	waiters map[string][]chan *Task
	timers  map[string]*time.Timer
	closed  bool
}

// NewQueue builds a queue over the given store. Task lifecycle events are
// broadcast on events; pass nil to disable emission.
func NewQueue(store *Store, events bus.EventPublisher, opts QueueOptions) *Queue {
	if opts.MainConcurrency <= 0 {
		opts.MainConcurrency = 1
	}
	if opts.AutonomousConcurrency <= 0 {
		opts.AutonomousConcurrency = 5
	}
	if opts.MaintenanceConcurrency <= 0 {
		opts.MaintenanceConcurrency = 1
	}
	if opts.DefaultTimeoutMs <= 0 {
		opts.DefaultTimeoutMs = 300000
	}
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:              store,
		events:             events,
		logger:             opts.Logger,
		defaultTimeoutMs:   opts.DefaultTimeoutMs,
		defaultMaxAttempts: opts.DefaultMaxAttempts,
		retryBase:          opts.RetryBase,
		retryMax:           opts.RetryMax,
		ctx:                ctx,
		cancel:             cancel,
		now:                time.Now,
		lanes: map[Lane]*laneState{
			LaneMain:        {cap: opts.MainConcurrency},
			LaneAutonomous:  {cap: opts.AutonomousConcurrency},
			LaneMaintenance: {cap: opts.MaintenanceConcurrency},
		},
		waiters: make(map[string][]chan *Task),
		timers:  make(map[string]*time.Timer),
	}
}

// Enqueue persists the task (creating it when new) and schedules run on
// the given lane as soon as a slot frees. An empty lane keeps the task's
// own lane.
func (q *Queue) Enqueue(t *Task, lane Lane, run RunFunc) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := q.prepare(t, lane); err != nil {
		return err
	}
	snap, err := q.store.UpdateStatus(t.ID, StatusQueued, "")
	if err != nil {
		return err
	}
	q.emit(protocol.EventTaskQueued, snap)
	q.push(snap.Lane, t.ID, run)
	return nil
}

// EnqueueWithDelay is Enqueue with the lane push deferred by delay. The
// task is persisted as queued immediately so a restart does not lose it.
func (q *Queue) EnqueueWithDelay(t *Task, lane Lane, run RunFunc, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(t, lane, run)
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := q.prepare(t, lane); err != nil {
		return err
	}
	snap, err := q.store.UpdateStatus(t.ID, StatusQueued, "")
	if err != nil {
		return err
	}
	q.emit(protocol.EventTaskQueued, snap)
	q.startTimer(t.ID, delay, func() { q.push(snap.Lane, t.ID, run) })
	return nil
}

// prepare fills defaults and persists the task if it does not exist yet.
func (q *Queue) prepare(t *Task, lane Lane) error {
	if ValidLane(lane) {
		t.Lane = lane
	}
	if !ValidLane(t.Lane) {
		t.Lane = LaneAutonomous
	}
	if t.TimeoutMs <= 0 {
		t.TimeoutMs = q.defaultTimeoutMs
	}
	if t.Retries.MaxAttempts <= 0 {
		t.Retries.MaxAttempts = q.defaultMaxAttempts
	}
	if t.ID != "" {
		if _, err := q.store.Get(t.ID); err == nil {
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := q.store.Create(t); err != nil {
		return err
	}
	q.emit(protocol.EventTaskCreated, t.Clone())
	return nil
}

// WaitForCompletion blocks until the task reaches a terminal status or
// the timeout elapses (ErrWaitTimeout). Context cancellation wins over
// both.
func (q *Queue) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	ch := make(chan *Task, 1)
	q.mu.Lock()
	q.waiters[id] = append(q.waiters[id], ch)
	q.mu.Unlock()
	defer q.removeWaiter(id, ch)

	// The task may already be terminal; check after registering so a
	// transition between the two cannot be missed.
	if t, err := q.store.Get(id); err != nil {
		return nil, err
	} else if t.Terminal() {
		return t, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case t := <-ch:
		return t, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyTerminal wakes all waiters for a task that reached a terminal
// status outside the queue's own run path (timeout monitor, cancel).
func (q *Queue) NotifyTerminal(t *Task) {
	q.mu.Lock()
	chans := q.waiters[t.ID]
	delete(q.waiters, t.ID)
	q.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- t.Clone():
		default:
		}
	}
}

// Cancel marks a non-terminal task failed with a cancellation error and
// removes it from any pending lane or retry timer. Cancelling a terminal
// task is a no-op and returns the stored task.
func (q *Queue) Cancel(id, reason string) (*Task, error) {
	q.mu.Lock()
	for _, ls := range q.lanes {
		kept := ls.pending[:0]
		for _, p := range ls.pending {
			if p.id != id {
				kept = append(kept, p)
			}
		}
		ls.pending = kept
	}
	if tm := q.timers[id]; tm != nil {
		tm.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	msg := "cancelled"
	if reason != "" {
		msg = "cancelled: " + reason
	}
	var already bool
	snap, err := q.store.Update(id, func(t *Task) {
		if t.Status.IsTerminal() {
			already = true
			return
		}
		t.Status = StatusFailed
		t.Error = msg
		t.EndedAt = q.now().UnixMilli()
	})
	if err != nil {
		return nil, err
	}
	if already {
		return snap, nil
	}
	q.emit(protocol.EventTaskFailed, map[string]interface{}{"taskId": id, "error": msg})
	q.NotifyTerminal(snap)
	return snap, nil
}

// Replay re-enqueues every active task after a restart: queued and
// running tasks go straight back to their lane, retrying tasks keep
// their remaining backoff delay. Returns the number replayed.
func (q *Queue) Replay(run RunFunc) (int, error) {
	active, err := q.store.ActiveTasks()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range active {
		switch t.Status {
		case StatusQueued, StatusRunning:
			snap, err := q.store.UpdateStatus(t.ID, StatusQueued, "resume_after_restart")
			if err != nil {
				continue
			}
			q.emit(protocol.EventTaskQueued, snap)
			q.push(snap.Lane, snap.ID, run)
		case StatusRetrying:
			delay := time.Duration(t.Retries.NextRetryAt-q.now().UnixMilli()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			if _, err := q.store.Update(t.ID, func(u *Task) { u.Note = "resume_after_restart" }); err != nil {
				continue
			}
			id := t.ID
			q.startTimer(id, delay, func() { q.requeue(id, run) })
		default:
			continue
		}
		n++
		q.logger.Info("tasks.replayed", "task", t.ID, "lane", t.Lane, "status", t.Status)
	}
	return n, nil
}

// Stats returns a snapshot of lane occupancy.
func (q *Queue) Stats() map[Lane]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[Lane]LaneStats, len(q.lanes))
	for lane, ls := range q.lanes {
		out[lane] = LaneStats{Cap: ls.cap, Running: ls.running, Pending: len(ls.pending)}
	}
	return out
}

// Close stops accepting work and cancels the run context handed to
// in-flight tasks. Pending retry timers are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	for id, tm := range q.timers {
		tm.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()
	q.cancel()
}

// Shutdown closes the queue and waits for in-flight runs to settle or
// the context to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.Close()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- internals ---

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) removeWaiter(id string, ch chan *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	chans := q.waiters[id]
	for i, c := range chans {
		if c == ch {
			q.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.waiters[id]) == 0 {
		delete(q.waiters, id)
	}
}

func (q *Queue) push(lane Lane, id string, run RunFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	ls := q.lanes[lane]
	if ls == nil {
		ls = q.lanes[LaneAutonomous]
	}
	ls.pending = append(ls.pending, &pendingRun{id: id, run: run})
	q.scheduleLocked(lane, ls)
}

// scheduleLocked starts pending runs while slots are free; caller holds mu.
func (q *Queue) scheduleLocked(lane Lane, ls *laneState) {
	for ls.running < ls.cap && len(ls.pending) > 0 {
		p := ls.pending[0]
		ls.pending = ls.pending[1:]
		ls.running++
		q.wg.Add(1)
		go q.runTask(lane, p)
	}
}

func (q *Queue) runTask(lane Lane, p *pendingRun) {
	defer func() {
		q.mu.Lock()
		if ls := q.lanes[lane]; ls != nil {
			ls.running--
			q.scheduleLocked(lane, ls)
		}
		q.mu.Unlock()
		q.wg.Done()
	}()

	snap, err := q.store.UpdateStatus(p.id, StatusRunning, "")
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			// Cancelled or timed out while waiting for a slot.
			q.NotifyTerminal(snap)
			return
		}
		q.logger.Error("tasks.run_load_failed", "task", p.id, "error", err)
		return
	}
	q.emit(protocol.EventTaskRunning, snap)

	result, runErr := p.run(q.ctx, snap)
	if runErr == nil {
		q.finishSuccess(p.id, result)
		return
	}
	q.handleFailure(p, snap, runErr)
}

func (q *Queue) finishSuccess(id, result string) {
	var already bool
	snap, err := q.store.Update(id, func(t *Task) {
		if t.Status.IsTerminal() {
			already = true
			return
		}
		t.Status = StatusSucceeded
		t.Result = result
		t.EndedAt = q.now().UnixMilli()
	})
	if err != nil {
		q.logger.Error("tasks.finish_failed", "task", id, "error", err)
		return
	}
	if already {
		// The timeout monitor got there first; its verdict stands.
		q.NotifyTerminal(snap)
		return
	}
	q.emit(protocol.EventTaskSucceeded, map[string]interface{}{"taskId": id, "result": result})
	q.NotifyTerminal(snap)
}

func (q *Queue) handleFailure(p *pendingRun, ran *Task, runErr error) {
	attempt := ran.Retries.Attempted + 1
	if attempt >= ran.Retries.MaxAttempts {
		var already bool
		snap, err := q.store.Update(p.id, func(t *Task) {
			if t.Status.IsTerminal() {
				already = true
				return
			}
			t.Status = StatusFailed
			t.Error = runErr.Error()
			t.Retries.Attempted = attempt
			t.EndedAt = q.now().UnixMilli()
		})
		if err != nil {
			q.logger.Error("tasks.fail_write_failed", "task", p.id, "error", err)
			return
		}
		if already {
			q.NotifyTerminal(snap)
			return
		}
		q.logger.Warn("tasks.failed", "task", p.id, "attempts", attempt, "error", runErr)
		q.emit(protocol.EventTaskFailed, map[string]interface{}{"taskId": p.id, "error": runErr.Error()})
		q.NotifyTerminal(snap)
		return
	}

	backoff := q.backoffFor(attempt)
	next := q.now().Add(backoff).UnixMilli()
	var already bool
	_, err := q.store.Update(p.id, func(t *Task) {
		if t.Status.IsTerminal() {
			already = true
			return
		}
		t.Status = StatusRetrying
		t.Error = runErr.Error()
		t.Retries.Attempted = attempt
		t.Retries.NextRetryAt = next
		t.Retries.BackoffMs = backoff.Milliseconds()
		t.StartedAt = 0
	})
	if err != nil {
		q.logger.Error("tasks.retry_write_failed", "task", p.id, "error", err)
		return
	}
	if already {
		if snap, err := q.store.Get(p.id); err == nil {
			q.NotifyTerminal(snap)
		}
		return
	}
	q.logger.Info("tasks.retry_scheduled", "task", p.id, "attempt", attempt, "backoff_ms", backoff.Milliseconds())
	q.emit(protocol.EventTaskRetryScheduled, map[string]interface{}{
		"taskId":      p.id,
		"attempt":     attempt,
		"nextRetryAt": next,
		"backoffMs":   backoff.Milliseconds(),
	})
	q.startTimer(p.id, backoff, func() { q.requeue(p.id, p.run) })
}

// requeue moves a retrying task back to queued and pushes it to its lane.
func (q *Queue) requeue(id string, run RunFunc) {
	snap, err := q.store.UpdateStatus(id, StatusQueued, "")
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			q.NotifyTerminal(snap)
		}
		return
	}
	q.emit(protocol.EventTaskQueued, snap)
	q.push(snap.Lane, id, run)
}

// backoffFor returns base doubled per prior attempt, capped at the
// configured maximum.
func (q *Queue) backoffFor(attempt int) time.Duration {
	d := q.retryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.retryMax {
			return q.retryMax
		}
	}
	if d > q.retryMax {
		return q.retryMax
	}
	return d
}

func (q *Queue) startTimer(id string, d time.Duration, fire func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.timers[id] = time.AfterFunc(d, func() {
		q.mu.Lock()
		delete(q.timers, id)
		closed := q.closed
		q.mu.Unlock()
		if !closed {
			fire()
		}
	})
}

func (q *Queue) emit(name string, payload interface{}) {
	if q.events == nil {
		return
	}
	q.events.Broadcast(bus.Event{Name: name, Payload: payload})
}
