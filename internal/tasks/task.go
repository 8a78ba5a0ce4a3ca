// Package tasks implements the durable task engine: a file-backed store,
// a three-lane execution queue with retry backoff, a timeout monitor, and
// a sequential phase executor for subagent work.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task. Transitions follow
// created -> queued -> running <-> retrying -> {succeeded, failed};
// retrying -> queued is the only backward edge and always carries an
// incremented attempt counter.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// IsActive reports whether a task in this status must be replayed into
// the queue after a process restart.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusRetrying
}

// Lane names an execution lane. Each lane has an independent concurrency
// cap so owner-facing work is never starved by background jobs.
type Lane string

const (
	LaneMain        Lane = "main"
	LaneAutonomous  Lane = "autonomous"
	LaneMaintenance Lane = "maintenance"
)

// ValidLane reports whether l is one of the three known lanes.
func ValidLane(l Lane) bool {
	return l == LaneMain || l == LaneAutonomous || l == LaneMaintenance
}

// Retries tracks retry bookkeeping for a task. Attempted counts failed
// runs so far and never exceeds MaxAttempts.
type Retries struct {
	Attempted   int   `json:"attempted"`
	MaxAttempts int   `json:"maxAttempts"`
	NextRetryAt int64 `json:"nextRetryAt,omitempty"` // unix ms, set while retrying
	BackoffMs   int64 `json:"backoffMs,omitempty"`   // delay applied to the pending retry
}

// Metadata carries optional routing hints attached at creation time.
type Metadata struct {
	Channel  string   `json:"channel,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// HasTag reports whether the metadata tags contain tag.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Task is the persisted unit of work. All timestamps are unix
// milliseconds. StartedAt refers to the current attempt and is cleared
// while a retry is pending.
type Task struct {
	ID                 string   `json:"id"`
	ParentID           string   `json:"parentId,omitempty"`
	Description        string   `json:"description"`
	SessionKey         string   `json:"sessionKey,omitempty"`
	Lane               Lane     `json:"lane"`
	Status             Status   `json:"status"`
	Retries            Retries  `json:"retries"`
	TimeoutMs          int64    `json:"timeoutMs,omitempty"`
	CreatedAt          int64    `json:"createdAt"`
	StartedAt          int64    `json:"startedAt,omitempty"`
	EndedAt            int64    `json:"endedAt,omitempty"`
	Error              string   `json:"error,omitempty"`
	Result             string   `json:"result,omitempty"`
	Note               string   `json:"note,omitempty"`
	Metadata           Metadata `json:"metadata"`
	SubagentSessionKey string   `json:"subagentSessionKey,omitempty"`
}

// NewTask builds a task in the created state. Timeout and retry limits
// are filled from queue defaults when left zero.
func NewTask(description, sessionKey string, lane Lane) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		SessionKey:  sessionKey,
		Lane:        lane,
		Status:      StatusCreated,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (t *Task) Clone() *Task {
	c := *t
	if len(t.Metadata.Tags) > 0 {
		c.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	}
	return &c
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status.IsTerminal()
}
