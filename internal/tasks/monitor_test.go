package tasks

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

func TestMonitorWarnsOncePerTask(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	m := NewTimeoutMonitor(s, rec, MonitorOptions{
		WarningThreshold: 5 * time.Second,
		Logger:           discardLogger(),
	})

	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }
	m.now = func() time.Time { return base }

	task := NewTask("long running", "", LaneMain)
	task.TimeoutMs = 10000
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateStatus(task.ID, StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// Plenty of time left: no warning yet.
	m.Scan()
	if n := len(rec.payloads(protocol.EventTaskTimeoutWarning)); n != 0 {
		t.Fatalf("premature warnings: %d", n)
	}

	// Inside the warning window: exactly one warning, even across scans.
	m.now = func() time.Time { return base.Add(6 * time.Second) }
	m.Scan()
	m.Scan()
	warnings := rec.payloads(protocol.EventTaskTimeoutWarning)
	if len(warnings) != 1 {
		t.Fatalf("warnings = %d, want 1", len(warnings))
	}
	if got := warnings[0]["msUntilTimeout"].(int64); got != 4000 {
		t.Errorf("msUntilTimeout = %d, want 4000", got)
	}
}

func TestMonitorFailsTimedOutTask(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	var notified *Task
	m := NewTimeoutMonitor(s, rec, MonitorOptions{
		WarningThreshold: time.Second,
		OnTerminal:       func(t *Task) { notified = t },
		Logger:           discardLogger(),
	})

	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }
	m.now = func() time.Time { return base }

	task := NewTask("doomed", "", LaneAutonomous)
	task.TimeoutMs = 1000
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.UpdateStatus(task.ID, StatusRunning, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Second) }
	m.Scan()

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "timed_out" {
		t.Errorf("task = %s (%q), want failed/timed_out", got.Status, got.Error)
	}
	if got.EndedAt == 0 {
		t.Error("EndedAt not stamped")
	}
	if notified == nil || notified.ID != task.ID {
		t.Error("OnTerminal hook not invoked")
	}

	timeouts := rec.payloads(protocol.EventTaskTimeout)
	if len(timeouts) != 1 {
		t.Fatalf("timeout events = %d, want 1", len(timeouts))
	}
	if timeouts[0]["reason"] != "timed_out" {
		t.Errorf("timeout reason = %v", timeouts[0]["reason"])
	}
	if n := len(rec.payloads(protocol.EventTaskFailed)); n != 1 {
		t.Errorf("failed events = %d, want 1", n)
	}

	// A second scan must not fail it twice.
	m.Scan()
	if n := len(rec.payloads(protocol.EventTaskTimeout)); n != 1 {
		t.Errorf("timeout re-emitted on second scan: %d events", n)
	}
}

func TestMonitorSkipsUnstartedTasks(t *testing.T) {
	s := newTestStore(t)
	rec := &eventRecorder{}
	m := NewTimeoutMonitor(s, rec, MonitorOptions{Logger: discardLogger()})

	task := NewTask("waiting in lane", "", LaneMain)
	task.Status = StatusQueued
	task.TimeoutMs = 1
	task.CreatedAt = 1 // ancient, but never started
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	m.Scan()
	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusQueued {
		t.Errorf("queued task transitioned to %s by monitor", got.Status)
	}
	if len(rec.names()) != 0 {
		t.Errorf("unexpected events: %v", rec.names())
	}
}
