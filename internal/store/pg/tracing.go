package pg

import (
	"context"
	"database/sql"

	"github.com/nextlevelbuilder/goant/internal/tracing"
)

// PGTraceStore persists agent-loop spans to Postgres (managed mode).
type PGTraceStore struct {
	db *sql.DB
}

var _ tracing.Store = (*PGTraceStore)(nil)

func NewPGTraceStore(db *sql.DB) *PGTraceStore {
	return &PGTraceStore{db: db}
}

func (s *PGTraceStore) SaveSpans(ctx context.Context, spans []tracing.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO trace_spans (id, run_id, session_key, kind, name,
		 started_at, ended_at, duration_ms, provider, model,
		 input_tokens, output_tokens, status, error, input_preview, output_preview)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sp := range spans {
		if _, err := stmt.ExecContext(ctx,
			sp.ID, sp.RunID, nilStr(sp.SessionKey), sp.Kind, sp.Name,
			sp.StartedAt, sp.EndedAt, sp.DurationMs, nilStr(sp.Provider), nilStr(sp.Model),
			sp.InputTokens, sp.OutputTokens, sp.Status, nilStr(sp.Error),
			nilStr(sp.InputPreview), nilStr(sp.OutputPreview),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close is a no-op: the pool is shared with the other pg stores and lives
// for the process.
func (s *PGTraceStore) Close() error { return nil }
