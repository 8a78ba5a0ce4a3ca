package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

const (
	defaultMaxSpawnDepth    = 3
	defaultMaxSpawnChildren = 8
)

// TaskSpawnTool enqueues background subagent work on the shared task
// queue. The child gets its own session; retries, timeouts, and restart
// replay come from the queue. Results are announced to the origin chat by
// the gateway's result subscriber.
type TaskSpawnTool struct {
	queue       *tasks.Queue
	store       *tasks.Store
	manager     *sessions.Manager
	events      bus.EventPublisher
	run         tasks.RunFunc
	maxDepth    int
	maxChildren int
}

// TaskSpawnOptions wires the collaborators a spawn needs. Run executes the
// task through the agent engine; the gateway supplies it so this package
// doesn't depend on the engine.
type TaskSpawnOptions struct {
	Queue       *tasks.Queue
	Store       *tasks.Store
	Sessions    *sessions.Manager
	Events      bus.EventPublisher
	Run         tasks.RunFunc
	MaxDepth    int
	MaxChildren int
}

func NewTaskSpawnTool(opts TaskSpawnOptions) *TaskSpawnTool {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxSpawnDepth
	}
	maxChildren := opts.MaxChildren
	if maxChildren <= 0 {
		maxChildren = defaultMaxSpawnChildren
	}
	return &TaskSpawnTool{
		queue:       opts.Queue,
		store:       opts.Store,
		manager:     opts.Sessions,
		events:      opts.Events,
		run:         opts.Run,
		maxDepth:    maxDepth,
		maxChildren: maxChildren,
	}
}

func (t *TaskSpawnTool) Name() string { return "task_spawn" }
func (t *TaskSpawnTool) Description() string {
	return "Spawn a background task handled by a subagent. Returns immediately with the task id; the result is announced when the task finishes."
}

func (t *TaskSpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "What the subagent should do",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short label for the task (defaults to a truncated description)",
			},
			"lane": map[string]interface{}{
				"type":        "string",
				"description": `Execution lane: "autonomous" (default) or "maintenance"`,
				"enum":        []string{"autonomous", "maintenance"},
			},
			"timeout_minutes": map[string]interface{}{
				"type":        "number",
				"description": "Optional per-task timeout in minutes",
			},
		},
		"required": []string{"task"},
	}
}

func (t *TaskSpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.queue == nil || t.run == nil {
		return ErrorResult("task queue not available")
	}

	description, _ := args["task"].(string)
	if strings.TrimSpace(description) == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)
	if label == "" {
		label = truncateStr(description, 50)
	}

	lane := tasks.LaneAutonomous
	if l, ok := args["lane"].(string); ok && l != "" {
		lane = tasks.Lane(l)
		if !tasks.ValidLane(lane) || lane == tasks.LaneMain {
			return ErrorResult(fmt.Sprintf("invalid lane: %s", l))
		}
	}

	parentKey := ToolSessionKeyFromCtx(ctx)
	depth := 0
	if t.manager != nil && parentKey != "" {
		if status, ok := t.manager.Status(parentKey); ok {
			depth = status.SpawnDepth
		}
		if depth+1 > t.maxDepth {
			return ErrorResult(fmt.Sprintf("spawn depth limit reached (%d/%d)", depth, t.maxDepth))
		}
		if n := t.activeChildren(parentKey); n >= t.maxChildren {
			return ErrorResult(fmt.Sprintf("max children per session reached (%d/%d)", n, t.maxChildren))
		}
	}

	task := tasks.NewTask(description, "", lane)
	task.ParentID = parentKey
	task.SubagentSessionKey = sessions.BuildSubagentKey(shortTaskID(task.ID))
	task.Metadata.Channel = ToolChannelFromCtx(ctx)
	task.Metadata.Tags = []string{"subagent", "spawn"}
	if tm, ok := args["timeout_minutes"].(float64); ok && tm > 0 {
		task.TimeoutMs = int64(tm * 60_000)
	}

	if err := t.queue.Enqueue(task, lane, t.run); err != nil {
		return ErrorResult(fmt.Sprintf("enqueue failed: %v", err))
	}

	if t.manager != nil {
		t.manager.GetOrCreate(task.SubagentSessionKey)
		t.manager.SetLabel(task.SubagentSessionKey, label)
		t.manager.SetSpawnInfo(task.SubagentSessionKey, parentKey, depth+1)
	}
	if t.events != nil {
		t.events.Broadcast(bus.Event{Name: protocol.EventSubagentSpawned, Payload: map[string]interface{}{
			"subagentId":       task.ID,
			"task":             truncateStr(description, 200),
			"parentSessionKey": parentKey,
		}})
	}

	return NewResult(fmt.Sprintf("Spawned task '%s' (id=%s, lane=%s). The result will be announced here when it finishes.",
		label, task.ID, lane))
}

// activeChildren counts non-terminal tasks spawned from the session.
func (t *TaskSpawnTool) activeChildren(parentKey string) int {
	if t.store == nil {
		return 0
	}
	active, err := t.store.ActiveTasks()
	if err != nil {
		return 0
	}
	n := 0
	for _, task := range active {
		if task.ParentID == parentKey {
			n++
		}
	}
	return n
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// TaskStatusTool reports one task by id, or a summary of active tasks and
// lane utilization when no id is given.
type TaskStatusTool struct {
	queue *tasks.Queue
	store *tasks.Store
}

func NewTaskStatusTool(q *tasks.Queue, s *tasks.Store) *TaskStatusTool {
	return &TaskStatusTool{queue: q, store: s}
}

func (t *TaskStatusTool) Name() string { return "task_status" }
func (t *TaskStatusTool) Description() string {
	return "Show the status of a background task, or list active tasks when no id is given."
}

func (t *TaskStatusTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Task id returned by task_spawn (omit to list active tasks)",
			},
		},
	}
}

func (t *TaskStatusTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.store == nil {
		return ErrorResult("task store not available")
	}

	taskID, _ := args["task_id"].(string)
	if taskID != "" {
		return t.describeOne(taskID)
	}
	return t.describeActive()
}

func (t *TaskStatusTool) describeOne(id string) *Result {
	task, err := t.store.Get(id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("unknown task: %s", id))
	}

	entry := map[string]interface{}{
		"id":      task.ID,
		"status":  string(task.Status),
		"lane":    string(task.Lane),
		"created": time.UnixMilli(task.CreatedAt).Format(time.RFC3339),
		"task":    truncateStr(task.Description, 200),
	}
	if task.Retries.Attempted > 0 {
		entry["attempts"] = fmt.Sprintf("%d/%d", task.Retries.Attempted, task.Retries.MaxAttempts)
	}
	if task.Status == tasks.StatusRetrying && task.Retries.NextRetryAt > 0 {
		entry["next_retry"] = time.UnixMilli(task.Retries.NextRetryAt).Format(time.RFC3339)
	}
	if task.Result != "" {
		entry["result"] = truncateStr(task.Result, 1000)
	}
	if task.Error != "" {
		entry["error"] = truncateStr(task.Error, 500)
	}
	out, _ := json.Marshal(entry)
	return SilentResult(string(out))
}

func (t *TaskStatusTool) describeActive() *Result {
	active, err := t.store.ActiveTasks()
	if err != nil {
		return ErrorResult(fmt.Sprintf("list tasks: %v", err))
	}

	type taskEntry struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Lane   string `json:"lane"`
		Task   string `json:"task"`
	}
	entries := make([]taskEntry, 0, len(active))
	for _, task := range active {
		entries = append(entries, taskEntry{
			ID:     task.ID,
			Status: string(task.Status),
			Lane:   string(task.Lane),
			Task:   truncateStr(task.Description, 120),
		})
	}

	payload := map[string]interface{}{
		"count": len(entries),
		"tasks": entries,
	}
	if t.queue != nil {
		lanes := map[string]string{}
		for lane, stats := range t.queue.Stats() {
			lanes[string(lane)] = fmt.Sprintf("%d running / %d pending (cap %d)", stats.Running, stats.Pending, stats.Cap)
		}
		payload["lanes"] = lanes
	}
	out, _ := json.Marshal(payload)
	return SilentResult(string(out))
}
