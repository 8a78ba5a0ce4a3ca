package pg

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/goant/internal/store"
)

// PGTaskArchive mirrors terminal tasks into Postgres (managed mode). The
// file task store stays the execution source of truth.
type PGTaskArchive struct {
	db *sql.DB
}

var _ store.TaskArchive = (*PGTaskArchive)(nil)

func NewPGTaskArchive(db *sql.DB) *PGTaskArchive {
	return &PGTaskArchive{db: db}
}

func (s *PGTaskArchive) ArchiveTask(ctx context.Context, t store.ArchivedTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_archive (id, parent_id, description, session_key, lane, status,
		 attempts, result, error, channel, tags, created_at, ended_at, archived_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status, attempts = EXCLUDED.attempts,
		   result = EXCLUDED.result, error = EXCLUDED.error,
		   ended_at = EXCLUDED.ended_at, archived_at = EXCLUDED.archived_at`,
		t.ID, nilStr(t.ParentID), t.Description, nilStr(t.SessionKey), t.Lane, t.Status,
		t.Attempts, nilStr(t.Result), nilStr(t.Error), nilStr(t.Channel), pq.Array(t.Tags),
		t.CreatedAt, t.EndedAt, time.Now(),
	)
	return err
}

func (s *PGTaskArchive) ListArchived(ctx context.Context, opts store.ArchiveListOpts) ([]store.ArchivedTask, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, parent_id, description, session_key, lane, status,
	          attempts, result, error, channel, tags, created_at, ended_at
	          FROM task_archive`
	var where []string
	var args []interface{}
	if opts.Lane != "" {
		args = append(args, opts.Lane)
		where = append(where, "lane = $"+strconv.Itoa(len(args)))
	}
	if opts.Status != "" {
		args = append(args, opts.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	args = append(args, limit)
	query += " ORDER BY ended_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanArchivedRows(rows)
}

func (s *PGTaskArchive) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM task_archive WHERE ended_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanArchivedRows(rows *sql.Rows) ([]store.ArchivedTask, error) {
	var out []store.ArchivedTask
	for rows.Next() {
		var t store.ArchivedTask
		var parentID, sessionKey, result, errMsg, channel sql.NullString
		var tags []string
		if err := rows.Scan(
			&t.ID, &parentID, &t.Description, &sessionKey, &t.Lane, &t.Status,
			&t.Attempts, &result, &errMsg, &channel, pq.Array(&tags),
			&t.CreatedAt, &t.EndedAt,
		); err != nil {
			return nil, err
		}
		t.ParentID = parentID.String
		t.SessionKey = sessionKey.String
		t.Result = result.String
		t.Error = errMsg.String
		t.Channel = channel.String
		t.Tags = tags
		out = append(out, t)
	}
	return out, rows.Err()
}
