package tasks

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), 5*time.Minute)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, time.Minute)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	orig := NewTask("investigate logs", "telegram:dm:100", LaneMaintenance)
	orig.TimeoutMs = 60000
	orig.Retries.MaxAttempts = 3
	orig.Metadata = Metadata{Channel: "telegram", Priority: "high", Tags: []string{"incident", "investigation"}}
	if err := s.Create(orig); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Reopen so the read comes from disk, not the write-through cache.
	s2, err := NewStore(dir, time.Minute)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.Get(orig.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(orig, got) {
		t.Errorf("round trip mismatch:\n  created %+v\n  loaded  %+v", orig, got)
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestStoreUpdateStatusStamps(t *testing.T) {
	s := newTestStore(t)
	task := NewTask("work", "cli:dm:local", LaneMain)
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	running, err := s.UpdateStatus(task.ID, StatusRunning, "")
	if err != nil {
		t.Fatalf("UpdateStatus running: %v", err)
	}
	if running.StartedAt == 0 {
		t.Error("running transition did not stamp StartedAt")
	}

	done, err := s.UpdateStatus(task.ID, StatusSucceeded, "")
	if err != nil {
		t.Fatalf("UpdateStatus succeeded: %v", err)
	}
	if done.EndedAt == 0 {
		t.Error("terminal transition did not stamp EndedAt")
	}

	// A terminal task refuses further status changes.
	after, err := s.UpdateStatus(task.ID, StatusFailed, "")
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("update after terminal = %v, want ErrTerminal", err)
	}
	if after.Status != StatusSucceeded {
		t.Errorf("terminal status overwritten: %s", after.Status)
	}
}

func TestStoreActiveTasks(t *testing.T) {
	s := newTestStore(t)
	byStatus := map[string]Status{}
	for _, st := range []Status{StatusCreated, StatusQueued, StatusRunning, StatusRetrying, StatusSucceeded, StatusFailed} {
		task := NewTask("t-"+string(st), "", LaneAutonomous)
		task.Status = st
		if err := s.Create(task); err != nil {
			t.Fatalf("Create %s: %v", st, err)
		}
		byStatus[task.ID] = st
	}

	active, err := s.ActiveTasks()
	if err != nil {
		t.Fatalf("ActiveTasks: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("ActiveTasks returned %d tasks, want 3", len(active))
	}
	for _, a := range active {
		if st := byStatus[a.ID]; st != StatusQueued && st != StatusRunning && st != StatusRetrying {
			t.Errorf("task %s with status %s reported active", a.ID, st)
		}
	}
}

func TestStoreIndexRebuild(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	a := NewTask("a", "", LaneMain)
	b := NewTask("b", "", LaneAutonomous)
	for _, task := range []*Task{a, b} {
		if err := s.Create(task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	if err := os.Remove(filepath.Join(dir, indexFile)); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	s2, err := NewStore(dir, 0)
	if err != nil {
		t.Fatalf("reopen without index: %v", err)
	}
	if s2.Len() != 2 {
		t.Errorf("rebuilt index has %d entries, want 2", s2.Len())
	}
	if _, err := s2.Get(a.ID); err != nil {
		t.Errorf("Get after rebuild: %v", err)
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	s := newTestStore(t)
	old := NewTask("old", "", LaneMain)
	old.CreatedAt = 1000
	recent := NewTask("recent", "", LaneMain)
	recent.CreatedAt = 2000
	for _, task := range []*Task{old, recent} {
		if err := s.Create(task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != recent.ID {
		t.Errorf("List order wrong: got %v", []string{list[0].Description, list[1].Description})
	}
}

func TestStoreCacheTTL(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1700000000, 0)
	s.now = func() time.Time { return base }

	task := NewTask("cached", "", LaneMain)
	if err := s.Create(task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Overwrite the file behind the store's back; a fresh cache hides it.
	s.mu.Lock()
	entry := s.cache[task.ID]
	entry.task.Description = "stale-cache-copy"
	s.mu.Unlock()

	got, err := s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Description != "stale-cache-copy" {
		t.Fatalf("expected cached read, got %q", got.Description)
	}

	// Past the TTL the store falls back to disk.
	s.now = func() time.Time { return base.Add(6 * time.Minute) }
	got, err = s.Get(task.ID)
	if err != nil {
		t.Fatalf("Get after TTL: %v", err)
	}
	if got.Description != "cached" {
		t.Errorf("expected disk read after TTL, got %q", got.Description)
	}
}
