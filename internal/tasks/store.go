package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no task exists for the given id.
	ErrNotFound = errors.New("task_not_found")

	// ErrTerminal is returned when a status update targets a task that
	// already reached a final state. Callers treat the stored task as
	// authoritative and discard their own outcome.
	ErrTerminal = errors.New("task_already_terminal")
)

const (
	indexFile       = "index.json"
	maxCacheEntries = 256
)

// indexEntry is the per-task summary kept in the index file so listing
// and replay do not have to parse every task file.
type indexEntry struct {
	Status    Status `json:"status"`
	Lane      Lane   `json:"lane"`
	CreatedAt int64  `json:"createdAt"`
}

type cacheEntry struct {
	task     *Task
	loadedAt time.Time
	usedAt   time.Time
}

// Store persists one JSON file per task under a state directory, plus an
// index file. Writes are serialized per task id; reads go through an
// in-memory cache with a TTL.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	index map[string]indexEntry
	locks map[string]*sync.Mutex
	cache map[string]*cacheEntry
}

// NewStore opens (or creates) a task store rooted at dir. cacheTTL bounds
// how stale a cached read may be; zero disables caching.
func NewStore(dir string, cacheTTL time.Duration) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	s := &Store{
		dir:   dir,
		ttl:   cacheTTL,
		now:   time.Now,
		index: make(map[string]indexEntry),
		locks: make(map[string]*sync.Mutex),
		cache: make(map[string]*cacheEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Create persists a new task. The id is assigned when empty and the
// status forced to created.
func (s *Store) Create(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusCreated
	}
	if t.CreatedAt == 0 {
		t.CreatedAt = s.now().UnixMilli()
	}
	if !ValidLane(t.Lane) {
		t.Lane = LaneAutonomous
	}
	lock := s.lockFor(t.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.persist(t)
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*Task, error) {
	if t := s.cached(id); t != nil {
		return t, nil
	}
	t, err := s.readFile(id)
	if err != nil {
		return nil, err
	}
	s.remember(t)
	return t.Clone(), nil
}

// Update applies patch to the stored task under the per-id write lock
// and persists the result. The returned task is a copy.
func (s *Store) Update(id string, patch func(*Task)) (*Task, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}
	patch(t)
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// UpdateStatus transitions the task to status and records the side
// effects: running stamps StartedAt for the new attempt, terminal states
// stamp EndedAt. Updating a task that is already terminal returns
// ErrTerminal without touching the file.
func (s *Store) UpdateStatus(id string, status Status, note string) (*Task, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t.Clone(), ErrTerminal
	}
	t.Status = status
	if note != "" {
		t.Note = note
	}
	switch {
	case status == StatusRunning:
		t.StartedAt = s.now().UnixMilli()
	case status.IsTerminal():
		t.EndedAt = s.now().UnixMilli()
	}
	if err := s.persist(t); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// SetResult stores the final result text on the task.
func (s *Store) SetResult(id, result string) (*Task, error) {
	return s.Update(id, func(t *Task) { t.Result = result })
}

// List returns all tasks, newest first.
func (s *Store) List() ([]*Task, error) {
	ids := s.indexIDs(nil)
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ActiveTasks returns every task whose status is queued, running or
// retrying. Used for restart replay and by the timeout monitor.
func (s *Store) ActiveTasks() ([]*Task, error) {
	ids := s.indexIDs(func(e indexEntry) bool { return e.Status.IsActive() })
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(id)
		if err != nil {
			continue
		}
		if t.Status.IsActive() {
			out = append(out, t)
		}
	}
	return out, nil
}

// Len returns the number of indexed tasks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// --- internals ---

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// load returns the live task for mutation; caller holds the per-id lock.
func (s *Store) load(id string) (*Task, error) {
	if t := s.cached(id); t != nil {
		return t, nil
	}
	return s.readFile(id)
}

func (s *Store) cached(id string) *Task {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok {
		return nil
	}
	if s.now().Sub(e.loadedAt) > s.ttl {
		delete(s.cache, id)
		return nil
	}
	e.usedAt = s.now()
	return e.task.Clone()
}

func (s *Store) remember(t *Task) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[t.ID] = &cacheEntry{task: t.Clone(), loadedAt: s.now(), usedAt: s.now()}
	if len(s.cache) > maxCacheEntries {
		s.evictOldest()
	}
}

// evictOldest drops the least recently used cache entry; caller holds mu.
func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, e := range s.cache {
		if oldestID == "" || e.usedAt.Before(oldest) {
			oldestID = id
			oldest = e.usedAt
		}
	}
	if oldestID != "" {
		delete(s.cache, oldestID)
	}
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) readFile(id string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", id, err)
	}
	return &t, nil
}

// persist writes the task file atomically and refreshes cache and index.
// Caller holds the per-id lock.
func (s *Store) persist(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := writeFileAtomic(s.dir, s.taskPath(t.ID), data); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}

	s.mu.Lock()
	s.index[t.ID] = indexEntry{Status: t.Status, Lane: t.Lane, CreatedAt: t.CreatedAt}
	if s.ttl > 0 {
		s.cache[t.ID] = &cacheEntry{task: t.Clone(), loadedAt: s.now(), usedAt: s.now()}
	}
	err = s.saveIndexLocked()
	s.mu.Unlock()
	return err
}

func (s *Store) indexIDs(keep func(indexEntry) bool) []string {
	s.mu.Lock()
	type pair struct {
		id string
		at int64
	}
	pairs := make([]pair, 0, len(s.index))
	for id, e := range s.index {
		if keep == nil || keep(e) {
			pairs = append(pairs, pair{id, e.CreatedAt})
		}
	}
	s.mu.Unlock()

	// Newest first, id as tiebreaker for stable output.
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0; j-- {
			a, b := pairs[j-1], pairs[j]
			if a.at > b.at || (a.at == b.at && a.id <= b.id) {
				break
			}
			pairs[j-1], pairs[j] = b, a
		}
	}
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
	}
	return ids
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err == nil {
		var idx map[string]indexEntry
		if json.Unmarshal(data, &idx) == nil {
			s.index = idx
			return nil
		}
	}
	// Missing or corrupt index: rebuild from task files.
	return s.rebuildIndex()
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan task dir: %w", err)
	}
	s.index = make(map[string]indexEntry)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFile || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		t, err := s.readFile(id)
		if err != nil {
			continue
		}
		s.index[t.ID] = indexEntry{Status: t.Status, Lane: t.Lane, CreatedAt: t.CreatedAt}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := writeFileAtomic(s.dir, filepath.Join(s.dir, indexFile), data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to path via a temp file in dir followed by
// a rename, so readers never observe a partial file.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
