package mainagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goant/internal/logging"
	"github.com/nextlevelbuilder/goant/internal/sessions"
	"github.com/nextlevelbuilder/goant/internal/tasks"
)

const (
	defaultScanInterval          = 30 * time.Second
	minScanInterval              = time.Second
	defaultInvestigationCooldown = 15 * time.Minute
	defaultMaxInvestigations     = 2
	defaultMaxEvents             = 5

	// errorScanTailBytes bounds how much of the event log one scan reads.
	errorScanTailBytes = 256 << 10
)

func (a *Agent) scanInterval() time.Duration {
	d := defaultScanInterval
	if a.cfg.ErrorScan.IntervalMs > 0 {
		d = time.Duration(a.cfg.ErrorScan.IntervalMs) * time.Millisecond
	}
	if d < minScanInterval {
		d = minScanInterval
	}
	return d
}

func (a *Agent) investigationCooldown() time.Duration {
	if a.cfg.ErrorScan.InvestigationCooldownMinutes > 0 {
		return time.Duration(a.cfg.ErrorScan.InvestigationCooldownMinutes) * time.Minute
	}
	return defaultInvestigationCooldown
}

func (a *Agent) scanLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.scanInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.paused.Load() {
				continue
			}
			a.ScanErrors(ctx)
		}
	}
}

// ScanErrors runs one pass over the tail of the event log: error-level
// entries newer than the previous pass become investigation tasks, deduped
// by content signature and capped per pass. Concurrent calls coalesce.
func (a *Agent) ScanErrors(ctx context.Context) {
	if !a.scanBusy.CompareAndSwap(false, true) {
		return
	}
	defer a.scanBusy.Store(false)

	path := a.cfg.ErrorScan.LogPath
	if path == "" {
		return
	}
	data, err := logging.Tail(path, errorScanTailBytes)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Debug("mainagent.error_scan_tail_failed", "error", err)
		}
		return
	}
	if len(data) == 0 {
		return
	}

	maxEvents := a.cfg.ErrorScan.MaxEventsPerScan
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	maxInvestigations := a.cfg.ErrorScan.MaxInvestigationsPerScan
	if maxInvestigations <= 0 {
		maxInvestigations = defaultMaxInvestigations
	}
	cooldown := a.investigationCooldown()

	a.mu.Lock()
	cutoff := a.lastErrorScanAt
	a.mu.Unlock()

	now := a.now()
	newest := cutoff
	processed := 0
	spawned := 0
	for _, e := range logging.ParseEntries(data) {
		if e.Level < logging.NumError {
			continue
		}
		ts := entryTime(e)
		if ts.IsZero() || !ts.After(cutoff) {
			continue
		}
		if processed >= maxEvents {
			break
		}
		processed++
		if ts.After(newest) {
			newest = ts
		}

		summary := e.Msg
		details := entryDetails(e)
		if summary == "" && details == "" {
			continue
		}
		sig := signature(summary, details)

		a.mu.Lock()
		last, seen := a.investigated[sig]
		throttled := seen && now.Sub(last) < cooldown
		start := !throttled && spawned < maxInvestigations
		if start {
			a.investigated[sig] = now
		}
		a.mu.Unlock()

		if start {
			spawned++
			a.startInvestigation(ctx, summary, details)
		}
	}

	a.mu.Lock()
	if newest.After(a.lastErrorScanAt) {
		a.lastErrorScanAt = newest
	}
	for sig, when := range a.investigated {
		if now.Sub(when) > 2*cooldown {
			delete(a.investigated, sig)
		}
	}
	a.mu.Unlock()

	if processed > 0 {
		a.logger.Debug("mainagent.error_scan", "events", processed, "investigations", spawned)
	}
}

// startInvestigation enqueues a maintenance-lane task that asks the engine
// to diagnose one deduped error signature.
func (a *Agent) startInvestigation(ctx context.Context, summary, details string) {
	desc := "Investigate this error from the event log. Identify the likely root cause and suggest a fix.\n\nError: " + summary
	if details != "" {
		desc += "\nDetails: " + details
	}
	t := tasks.NewTask(desc, "", tasks.LaneMaintenance)
	t.SessionKey = sessions.BuildSubagentKey("incident-" + shortID(t.ID))
	t.Metadata.Channel = "system"
	t.Metadata.Tags = []string{"incident", "investigation"}
	if err := a.queue.Enqueue(t, tasks.LaneMaintenance, a.taskRunFunc()); err != nil {
		a.logger.Warn("mainagent.investigation_enqueue_failed", "error", err)
		return
	}
	a.logger.Info("mainagent.investigation_started", "task", t.ID, "summary", summary)
	a.notifier.Notify(ctx, CategoryErrors, "Investigating error: "+summary, false)
}

// entryTime resolves the entry timestamp, accepting the legacy "timestamp"
// field alongside "time". Both are unix milliseconds.
func entryTime(e logging.Entry) time.Time {
	ms := e.Time
	if ms == 0 {
		if v, ok := e.Raw["timestamp"].(float64); ok {
			ms = int64(v)
		}
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// entryDetails extracts the error text plus provider context from a log
// entry. Handler output puts errors under "error"; nested "err.message"
// covers events forwarded from other tooling.
func entryDetails(e logging.Entry) string {
	var parts []string
	if v, ok := e.Raw["error"].(string); ok && v != "" {
		parts = append(parts, v)
	} else if obj, ok := e.Raw["err"].(map[string]any); ok {
		if m, ok := obj["message"].(string); ok && m != "" {
			parts = append(parts, m)
		}
	}
	if v, ok := e.Raw["providerId"].(string); ok && v != "" {
		parts = append(parts, "provider="+v)
	} else if v, ok := e.Raw["provider"].(string); ok && v != "" {
		parts = append(parts, "provider="+v)
	}
	if v, ok := e.Raw["model"].(string); ok && v != "" {
		parts = append(parts, "model="+v)
	}
	return strings.Join(parts, " ")
}

// signature is the dedupe key for an error event.
func signature(summary, details string) string {
	sum := sha256.Sum256([]byte(summary + "\n" + details))
	return hex.EncodeToString(sum[:])
}
