package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/nextlevelbuilder/goant/internal/tasks"
)

// TasksHandler serves read-mostly task inspection over REST. Mutation is
// limited to cancel; tasks are spawned by the agent, not this API.
type TasksHandler struct {
	store *tasks.Store
	queue *tasks.Queue
	token string
}

// NewTasksHandler creates a handler over the task store and queue.
func NewTasksHandler(s *tasks.Store, q *tasks.Queue, token string) *TasksHandler {
	return &TasksHandler{store: s, queue: q, token: token}
}

// RegisterRoutes registers all task routes on the given mux.
func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tasks", h.auth(h.handleListTasks))
	mux.HandleFunc("GET /v1/tasks/{id}", h.auth(h.handleGetTask))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", h.auth(h.handleCancelTask))
}

func (h *TasksHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" {
			if extractBearerToken(r) != h.token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// handleListTasks lists tasks, newest first.
//
//	GET /v1/tasks?lane=autonomous&status=running&active=true&limit=50
func (h *TasksHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lane := q.Get("lane")
	status := q.Get("status")
	activeOnly := q.Get("active") == "true"

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	all, err := h.store.List()
	if err != nil {
		slog.Error("tasks.list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list tasks"})
		return
	}

	filtered := all[:0]
	for _, t := range all {
		if lane != "" && string(t.Lane) != lane {
			continue
		}
		if status != "" && string(t.Status) != status {
			continue
		}
		if activeOnly && !t.Status.IsActive() {
			continue
		}
		filtered = append(filtered, t)
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt > filtered[j].CreatedAt })
	total := len(filtered)
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	resp := map[string]interface{}{
		"tasks": filtered,
		"total": total,
	}
	if h.queue != nil {
		resp["lanes"] = h.queue.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *TasksHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	t, err := h.store.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// handleCancelTask force-fails a non-terminal task.
//
//	POST /v1/tasks/{id}/cancel
//	Body (optional): {"reason": "operator request"}
func (h *TasksHandler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body)
	}

	if h.queue == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "task queue not running"})
		return
	}

	t, err := h.queue.Cancel(id, body.Reason)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	writeJSON(w, http.StatusOK, t)
}
