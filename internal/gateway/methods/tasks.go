package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/goant/internal/gateway"
	"github.com/nextlevelbuilder/goant/internal/tasks"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// maxWait caps tasks.wait so a forgotten client cannot pin a waiter for
// hours.
const maxWait = 5 * time.Minute

// TaskMethods exposes the task engine via WebSocket RPC: listing,
// inspection, cancellation, and terminal-state waits.
type TaskMethods struct {
	queue *tasks.Queue
	store *tasks.Store
}

// NewTaskMethods creates a handler over the queue and its store.
func NewTaskMethods(q *tasks.Queue, s *tasks.Store) *TaskMethods {
	return &TaskMethods{queue: q, store: s}
}

// Register registers all task RPC methods.
func (m *TaskMethods) Register(r *gateway.MethodRouter) {
	r.Register(protocol.MethodTasksList, m.handleList)
	r.Register(protocol.MethodTasksGet, m.handleGet)
	r.Register(protocol.MethodTasksCancel, m.handleCancel)
	r.Register(protocol.MethodTasksWait, m.handleWait)
}

func (m *TaskMethods) handleList(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		Lane       string `json:"lane"`
		Status     string `json:"status"`
		ActiveOnly bool   `json:"activeOnly"`
		Limit      int    `json:"limit"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	if params.Limit <= 0 || params.Limit > 500 {
		params.Limit = 50
	}

	all, err := m.store.List()
	if err != nil {
		slog.Error("gateway.tasks.list", "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "failed to list tasks"))
		return
	}

	filtered := all[:0]
	for _, t := range all {
		if params.Lane != "" && string(t.Lane) != params.Lane {
			continue
		}
		if params.Status != "" && string(t.Status) != params.Status {
			continue
		}
		if params.ActiveOnly && !t.Status.IsActive() {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt > filtered[j].CreatedAt })
	if len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}

	client.SendResponse(protocol.NewResponse(req.ID, map[string]interface{}{
		"tasks": filtered,
		"lanes": m.queue.Stats(),
		"total": len(all),
	}))
}

func (m *TaskMethods) handleGet(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID string `json:"id"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	t, err := m.store.Get(params.ID)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "task not found: "+params.ID))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, t))
}

func (m *TaskMethods) handleCancel(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	t, err := m.queue.Cancel(params.ID, params.Reason)
	if err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "task not found: "+params.ID))
		return
	}

	client.SendResponse(protocol.NewResponse(req.ID, t))
}

// handleWait blocks until the task reaches a terminal state, then responds
// with the final snapshot. The wait runs off the dispatch goroutine so the
// connection keeps serving other methods meanwhile.
func (m *TaskMethods) handleWait(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params struct {
		ID        string `json:"id"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}

	timeout := 30 * time.Second
	if params.TimeoutMs > 0 {
		timeout = time.Duration(params.TimeoutMs) * time.Millisecond
	}
	if timeout > maxWait {
		timeout = maxWait
	}

	go func() {
		t, err := m.queue.WaitForCompletion(ctx, params.ID, timeout)
		switch {
		case errors.Is(err, tasks.ErrWaitTimeout):
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeInternal, "wait timed out"))
		case err != nil:
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrCodeNotFound, "task not found: "+params.ID))
		default:
			client.SendResponse(protocol.NewResponse(req.ID, t))
		}
	}()
}
