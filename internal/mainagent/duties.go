package mainagent

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
)

// ownerUpdateMarker prefixes a line in a duty response that should be
// forwarded to the owner verbatim.
const ownerUpdateMarker = "OWNER_UPDATE:"

// dutyInstructions is appended to the system prompt of duty runs.
const dutyInstructions = "This is a scheduled background duty. Work autonomously; no user will reply. " +
	"If something genuinely needs the owner's attention, include one line starting with " +
	ownerUpdateMarker + " followed by a short summary."

// validateDuties warns once about duties that can never run so a config
// typo shows up at startup instead of as silence.
func (a *Agent) validateDuties() {
	for _, d := range a.cfg.Duties {
		switch {
		case d.Name == "":
			a.logger.Warn("mainagent.duty_unnamed")
		case d.Prompt == "":
			a.logger.Warn("mainagent.duty_no_prompt", "duty", d.Name)
		case d.Schedule != "" && !gronx.New().IsValid(d.Schedule):
			a.logger.Warn("mainagent.duty_bad_schedule", "duty", d.Name, "schedule", d.Schedule)
		}
	}
}

// runDueDuty enqueues at most one due duty. Callers gate on queueIdle, so a
// duty task in flight naturally blocks the next one until it finishes.
func (a *Agent) runDueDuty(now time.Time) {
	duty, ok := a.nextDueDuty(now)
	if !ok {
		return
	}
	a.mu.Lock()
	a.dutyLastRun[duty.Name] = now
	a.mu.Unlock()

	lane := tasks.Lane(duty.Lane)
	if !tasks.ValidLane(lane) {
		lane = tasks.LaneAutonomous
	}
	key := sessions.BuildDutyKey(duty.Name, shortID(newRunID()))
	t := tasks.NewTask(duty.Prompt, key, lane)
	t.Metadata.Channel = "system"
	t.Metadata.Tags = []string{"duty", duty.Name}
	if err := a.queue.Enqueue(t, lane, a.taskRunFunc()); err != nil {
		a.logger.Warn("mainagent.duty_enqueue_failed", "duty", duty.Name, "error", err)
		return
	}
	a.logger.Info("mainagent.duty_started", "duty", duty.Name, "task", t.ID, "lane", string(lane))
}

// nextDueDuty returns the first configured duty whose schedule has a tick
// between its last run (or supervisor start) and now. An empty schedule
// means every idle cycle.
func (a *Agent) nextDueDuty(now time.Time) (config.DutyConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.cfg.Duties {
		if d.Name == "" || d.Prompt == "" {
			continue
		}
		if d.Schedule == "" {
			return d, true
		}
		last := a.dutyLastRun[d.Name]
		if last.IsZero() {
			last = a.startedAt
		}
		next, err := gronx.NextTickAfter(d.Schedule, last, false)
		if err != nil {
			continue
		}
		if !next.After(now) {
			return d, true
		}
	}
	return config.DutyConfig{}, false
}

// extractOwnerUpdate pulls the first OWNER_UPDATE line out of a duty
// response. Empty when the duty had nothing to report.
func extractOwnerUpdate(response string) string {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, ownerUpdateMarker); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}
