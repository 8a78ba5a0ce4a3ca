package store

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/goant/internal/tasks"
)

func TestSnapshotTask(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := created.Add(90 * time.Second)

	task := &tasks.Task{
		ID:          "t-1",
		ParentID:    "telegram:dm:42",
		Description: "summarize logs",
		SessionKey:  "system:subagent:log-summary",
		Lane:        tasks.LaneAutonomous,
		Status:      tasks.StatusSucceeded,
		Retries:     tasks.Retries{Attempted: 2, MaxAttempts: 3},
		Result:      "done",
		Metadata:    tasks.Metadata{Channel: "telegram", Tags: []string{"digest"}},
		CreatedAt:   created.UnixMilli(),
		EndedAt:     ended.UnixMilli(),
	}

	got := SnapshotTask(task)
	if got.ID != "t-1" || got.Lane != "autonomous" || got.Status != "succeeded" {
		t.Errorf("snapshot = %+v", got)
	}
	if got.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", got.Attempts)
	}
	if got.Channel != "telegram" || len(got.Tags) != 1 || got.Tags[0] != "digest" {
		t.Errorf("metadata = channel %q tags %v", got.Channel, got.Tags)
	}
	if !got.CreatedAt.Equal(created) || !got.EndedAt.Equal(ended) {
		t.Errorf("times = %v, %v", got.CreatedAt, got.EndedAt)
	}
}
