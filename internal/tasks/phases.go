package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/goant/internal/bus"
	"github.com/nextlevelbuilder/goant/pkg/protocol"
)

// Phase is one named step of a multi-phase subagent task. Run receives
// the accumulated results of earlier phases keyed by phase name and
// returns its own partial result.
type Phase struct {
	Name string
	Run  func(ctx context.Context, t *Task, results map[string]interface{}) (interface{}, error)
}

// PhaseExecutor runs phases strictly in order. The first error marks the
// task failed, is recorded on the task, and stops the sequence.
type PhaseExecutor struct {
	store  *Store
	events bus.EventPublisher
	logger *slog.Logger
}

// NewPhaseExecutor builds an executor over the given store.
func NewPhaseExecutor(store *Store, events bus.EventPublisher, logger *slog.Logger) *PhaseExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhaseExecutor{store: store, events: events, logger: logger}
}

// Execute runs each phase sequentially, accumulating results under the
// phase names. On a phase error the task is failed with the wrapped
// error and the partial results are returned alongside it.
func (pe *PhaseExecutor) Execute(ctx context.Context, t *Task, phases []Phase) (map[string]interface{}, error) {
	results := make(map[string]interface{}, len(phases))
	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			return results, pe.failTask(t, ph.Name, err)
		}
		pe.logger.Debug("tasks.phase_started", "task", t.ID, "phase", ph.Name)
		out, err := ph.Run(ctx, t, results)
		if err != nil {
			return results, pe.failTask(t, ph.Name, err)
		}
		results[ph.Name] = out
	}
	return results, nil
}

// failTask records the phase error on the task and marks it failed,
// unless another path already settled it.
func (pe *PhaseExecutor) failTask(t *Task, phase string, cause error) error {
	wrapped := fmt.Errorf("phase %s: %w", phase, cause)
	var already bool
	_, err := pe.store.Update(t.ID, func(u *Task) {
		if u.Status.IsTerminal() {
			already = true
			return
		}
		u.Status = StatusFailed
		u.Error = wrapped.Error()
		u.EndedAt = time.Now().UnixMilli()
	})
	if err != nil {
		pe.logger.Error("tasks.phase_fail_write", "task", t.ID, "phase", phase, "error", err)
		return wrapped
	}
	if !already {
		pe.logger.Warn("tasks.phase_failed", "task", t.ID, "phase", phase, "error", cause)
		if pe.events != nil {
			pe.events.Broadcast(bus.Event{
				Name:    protocol.EventTaskFailed,
				Payload: map[string]interface{}{"taskId": t.ID, "error": wrapped.Error()},
			})
		}
	}
	return wrapped
}
