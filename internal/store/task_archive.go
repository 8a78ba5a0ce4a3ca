package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/goant/internal/tasks"
)

// ArchivedTask is the terminal snapshot of a task, kept for fleet-wide
// inspection after the file store's own retention expires.
type ArchivedTask struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"`
	Description string    `json:"description"`
	SessionKey  string    `json:"sessionKey,omitempty"`
	Lane        string    `json:"lane"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	EndedAt     time.Time `json:"endedAt"`
}

// ArchiveListOpts filters ListArchived.
type ArchiveListOpts struct {
	Lane   string
	Status string
	Limit  int
}

// TaskArchive mirrors terminal tasks into a queryable backend. The file
// task store stays the execution source of truth; the archive is read-only
// history.
type TaskArchive interface {
	ArchiveTask(ctx context.Context, t ArchivedTask) error
	ListArchived(ctx context.Context, opts ArchiveListOpts) ([]ArchivedTask, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotTask converts a terminal task into its archive form.
func SnapshotTask(t *tasks.Task) ArchivedTask {
	return ArchivedTask{
		ID:          t.ID,
		ParentID:    t.ParentID,
		Description: t.Description,
		SessionKey:  t.SessionKey,
		Lane:        string(t.Lane),
		Status:      string(t.Status),
		Attempts:    t.Retries.Attempted,
		Result:      t.Result,
		Error:       t.Error,
		Channel:     t.Metadata.Channel,
		Tags:        t.Metadata.Tags,
		CreatedAt:   time.UnixMilli(t.CreatedAt),
		EndedAt:     time.UnixMilli(t.EndedAt),
	}
}
