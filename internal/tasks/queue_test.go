package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// eventRecorder captures broadcast events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) Subscribe(id string, h bus.EventHandler) {}
func (r *eventRecorder) Unsubscribe(id string)                   {}

func (r *eventRecorder) Broadcast(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
	}
	return out
}

func (r *eventRecorder) payloads(name string) []map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, e := range r.events {
		if e.Name == name {
			if m, ok := e.Payload.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

func newTestQueue(t *testing.T, s *Store, rec *eventRecorder, opts QueueOptions) *Queue {
	t.Helper()
	opts.Logger = discardLogger()
	var events bus.EventPublisher
	if rec != nil {
		events = rec
	}
	q := NewQueue(s, events, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Shutdown(ctx)
	})
	return q
}

func TestQueueRunsToSuccess(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	q := newTestQueue(t, s, rec, QueueOptions{})

	task := NewTask("say hello", "cli:dm:local", LaneMain)
	err := q.Enqueue(task, LaneMain, func(ctx context.Context, t *Task) (string, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done, err := q.WaitForCompletion(context.Background(), task.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if done.Status != StatusSucceeded || done.Result != "hello" {
		t.Errorf("task settled as %s result=%q", done.Status, done.Result)
	}
	if done.EndedAt == 0 || done.StartedAt == 0 {
		t.Error("timestamps not stamped on success")
	}

	want := []string{
		protocol.EventTaskCreated,
		protocol.EventTaskQueued,
		protocol.EventTaskRunning,
		protocol.EventTaskSucceeded,
	}
	got := rec.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestQueueRetryBackoffSequence(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	q := newTestQueue(t, s, rec, QueueOptions{
		RetryBase:          10 * time.Millisecond,
		RetryMax:           time.Minute,
		DefaultMaxAttempts: 3,
	})

	task := NewTask("flaky", "", LaneAutonomous)
	err := q.Enqueue(task, LaneAutonomous, func(ctx context.Context, t *Task) (string, error) {
		return "", errors.New("boom")
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done, err := q.WaitForCompletion(context.Background(), task.ID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("final status = %s, want failed", done.Status)
	}
	if done.Retries.Attempted != 3 {
		t.Errorf("attempted = %d, want 3", done.Retries.Attempted)
	}
	if done.Error != "boom" {
		t.Errorf("error = %q, want boom", done.Error)
	}

	want := []string{
		protocol.EventTaskCreated,
		protocol.EventTaskQueued,
		protocol.EventTaskRunning,
		protocol.EventTaskRetryScheduled,
		protocol.EventTaskQueued,
		protocol.EventTaskRunning,
		protocol.EventTaskRetryScheduled,
		protocol.EventTaskQueued,
		protocol.EventTaskRunning,
		protocol.EventTaskFailed,
	}
	got := rec.names()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("event sequence\n got %v\nwant %v", got, want)
	}

	// Backoff doubles per attempt.
	retries := rec.payloads(protocol.EventTaskRetryScheduled)
	if len(retries) != 2 {
		t.Fatalf("retry events = %d, want 2", len(retries))
	}
	if b0, b1 := retries[0]["backoffMs"].(int64), retries[1]["backoffMs"].(int64); b1 != 2*b0 {
		t.Errorf("backoffs %d, %d: second should double the first", b0, b1)
	}
	if a0, a1 := retries[0]["attempt"].(int), retries[1]["attempt"].(int); a0 != 1 || a1 != 2 {
		t.Errorf("attempts = %d, %d, want 1, 2", a0, a1)
	}
}

func TestQueueBackoffFor(t *testing.T) {
	q := NewQueue(nil, nil, QueueOptions{
		RetryBase: time.Second,
		RetryMax:  60 * time.Second,
		Logger:    discardLogger(),
	})
	defer q.Close()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second}, // 64s capped
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoffFor(tt.attempt); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestQueueLaneCapSerializesMain(t *testing.T) {
	s := newTestStore(t)
	q := newTestQueue(t, s, nil, QueueOptions{MainConcurrency: 1})

	var inFlight, maxInFlight int32
	var order []string
	var mu sync.Mutex

	run := func(ctx context.Context, task *Task) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, task.Description)
		mu.Unlock()
		atomic.AddInt32(&inFlight, -1)
		return "", nil
	}

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		task := NewTask(fmt.Sprintf("job-%d", i), "", LaneMain)
		if err := q.Enqueue(task, LaneMain, run); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		if _, err := q.WaitForCompletion(context.Background(), id, 5*time.Second); err != nil {
			t.Fatalf("WaitForCompletion(%s): %v", id, err)
		}
	}

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("max in-flight on main lane = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, desc := range []string{"job-0", "job-1", "job-2"} {
		if order[i] != desc {
			t.Errorf("FIFO order broken: %v", order)
			break
		}
	}
}

func TestQueueAutonomousCapBoundsParallelism(t *testing.T) {
	s := newTestStore(t)
	q := newTestQueue(t, s, nil, QueueOptions{AutonomousConcurrency: 2})

	var inFlight, maxInFlight int32
	run := func(ctx context.Context, task *Task) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "", nil
	}

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		task := NewTask(fmt.Sprintf("bg-%d", i), "", LaneAutonomous)
		if err := q.Enqueue(task, "", run); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		if _, err := q.WaitForCompletion(context.Background(), id, 5*time.Second); err != nil {
			t.Fatalf("WaitForCompletion: %v", err)
		}
	}
	if got := atomic.LoadInt32(&maxInFlight); got > 2 {
		t.Errorf("max in-flight = %d, want <= 2", got)
	}
}

func TestQueueWaitTimeout(t *testing.T) {
	s := newTestStore(t)
	q := newTestQueue(t, s, nil, QueueOptions{})

	task := NewTask("slow", "", LaneMain)
	err := q.Enqueue(task, LaneMain, func(ctx context.Context, t *Task) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if _, err := q.WaitForCompletion(context.Background(), task.ID, 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("WaitForCompletion = %v, want ErrWaitTimeout", err)
	}
}

func TestQueueCancelPending(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	q := newTestQueue(t, s, rec, QueueOptions{})

	task := NewTask("later", "", LaneMaintenance)
	err := q.EnqueueWithDelay(task, LaneMaintenance, func(ctx context.Context, t *Task) (string, error) {
		return "should not run", nil
	}, time.Hour)
	if err != nil {
		t.Fatalf("EnqueueWithDelay: %v", err)
	}

	got, err := q.Cancel(task.ID, "operator request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "cancelled: operator request" {
		t.Errorf("cancelled task = %s (%q)", got.Status, got.Error)
	}

	// Cancelling again is a no-op.
	again, err := q.Cancel(task.ID, "twice")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Error != "cancelled: operator request" {
		t.Errorf("second cancel overwrote error: %q", again.Error)
	}
}

func TestQueueReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	queued := NewTask("was queued", "", LaneAutonomous)
	queued.Status = StatusQueued
	running := NewTask("was running", "", LaneAutonomous)
	running.Status = StatusRunning
	retrying := NewTask("was retrying", "", LaneAutonomous)
	retrying.Status = StatusRetrying
	retrying.Retries = Retries{Attempted: 1, MaxAttempts: 3, NextRetryAt: time.Now().Add(20 * time.Millisecond).UnixMilli(), BackoffMs: 20}
	done := NewTask("finished", "", LaneAutonomous)
	done.Status = StatusSucceeded
	for _, task := range []*Task{queued, running, retrying, done} {
		if err := s.Create(task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	q := newTestQueue(t, s, nil, QueueOptions{})
	n, err := q.Replay(func(ctx context.Context, t *Task) (string, error) {
		return "replayed", nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 3 {
		t.Errorf("Replay count = %d, want 3", n)
	}

	for _, id := range []string{queued.ID, running.ID, retrying.ID} {
		got, err := q.WaitForCompletion(context.Background(), id, 5*time.Second)
		if err != nil {
			t.Fatalf("WaitForCompletion(%s): %v", id, err)
		}
		if got.Status != StatusSucceeded {
			t.Errorf("replayed task %s ended as %s", got.Description, got.Status)
		}
		if got.Note != "resume_after_restart" {
			t.Errorf("replayed task %s missing resume note, got %q", got.Description, got.Note)
		}
	}

	terminal, err := s.Get(done.ID)
	if err != nil {
		t.Fatalf("Get finished: %v", err)
	}
	if terminal.Result == "replayed" {
		t.Error("terminal task was re-run by replay")
	}
}
