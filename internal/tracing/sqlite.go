package tracing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

const (
	defaultRetentionDays = 14
	pruneInterval        = time.Hour
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trace_spans (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	session_key    TEXT,
	kind           TEXT NOT NULL,
	name           TEXT NOT NULL,
	started_at     INTEGER NOT NULL,
	ended_at       INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL,
	provider       TEXT,
	model          TEXT,
	input_tokens   INTEGER,
	output_tokens  INTEGER,
	status         TEXT NOT NULL,
	error          TEXT,
	input_preview  TEXT,
	output_preview TEXT
);
CREATE INDEX IF NOT EXISTS idx_trace_spans_run ON trace_spans(run_id);
CREATE INDEX IF NOT EXISTS idx_trace_spans_started ON trace_spans(started_at);
`

// SQLiteStore persists spans to a local SQLite file (standalone mode).
// Old spans are pruned opportunistically during saves once per hour.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration

	mu        sync.Mutex
	lastPrune time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and creates, if needed) the trace database at
// path. retentionDays <= 0 uses the default of 14 days.
func NewSQLiteStore(path string, retentionDays int) (*SQLiteStore, error) {
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create trace schema: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		lastPrune: time.Now(),
	}
	// Clear out anything past retention from previous runs; after this the
	// hourly opportunistic prune takes over.
	s.Prune(context.Background())
	return s, nil
}

func (s *SQLiteStore) SaveSpans(ctx context.Context, spans []Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO trace_spans (id, run_id, session_key, kind, name,
		 started_at, ended_at, duration_ms, provider, model,
		 input_tokens, output_tokens, status, error, input_preview, output_preview)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spans {
		if _, err := stmt.ExecContext(ctx,
			sp.ID, sp.RunID, sp.SessionKey, sp.Kind, sp.Name,
			sp.StartedAt.UnixMilli(), sp.EndedAt.UnixMilli(), sp.DurationMs,
			sp.Provider, sp.Model, sp.InputTokens, sp.OutputTokens,
			sp.Status, sp.Error, sp.InputPreview, sp.OutputPreview,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.maybePrune(ctx)
	return nil
}

// RecentSpans returns the newest spans, optionally filtered by session key.
func (s *SQLiteStore) RecentSpans(ctx context.Context, sessionKey string, limit int) ([]Span, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, run_id, session_key, kind, name,
	          started_at, ended_at, duration_ms, provider, model,
	          input_tokens, output_tokens, status, error, input_preview, output_preview
	          FROM trace_spans`
	args := []interface{}{}
	if sessionKey != "" {
		query += " WHERE session_key = ?"
		args = append(args, sessionKey)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Span
	for rows.Next() {
		var sp Span
		var startedMs, endedMs int64
		if err := rows.Scan(
			&sp.ID, &sp.RunID, &sp.SessionKey, &sp.Kind, &sp.Name,
			&startedMs, &endedMs, &sp.DurationMs, &sp.Provider, &sp.Model,
			&sp.InputTokens, &sp.OutputTokens, &sp.Status, &sp.Error,
			&sp.InputPreview, &sp.OutputPreview,
		); err != nil {
			return nil, err
		}
		sp.StartedAt = time.UnixMilli(startedMs)
		sp.EndedAt = time.UnixMilli(endedMs)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// Prune deletes spans older than the retention window and reports how many
// rows went away.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM trace_spans WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) maybePrune(ctx context.Context) {
	s.mu.Lock()
	due := time.Since(s.lastPrune) >= pruneInterval
	if due {
		s.lastPrune = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.Prune(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
