package mainagent

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goant/internal/config"
)

// Category selects which notifyOn gate applies to a notification.
type Category string

const (
	CategoryProviders       Category = "providers"
	CategoryErrors          Category = "errors"
	CategoryIncidentResults Category = "incidentResults"
	CategoryImprovements    Category = "improvements"
)

// OwnerSink delivers one notification to the owner conversation.
type OwnerSink func(ctx context.Context, text string) error

// Notifier pushes owner notifications through a sink, honoring per-category
// opt-outs. An unset gate means enabled.
type Notifier struct {
	cfg    config.NotifyOnConfig
	sink   OwnerSink
	logger *slog.Logger
}

func NewNotifier(cfg config.NotifyOnConfig, sink OwnerSink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{cfg: cfg, sink: sink, logger: logger}
}

// Notify delivers text when the category gate allows it; force bypasses a
// disabled gate. Reports whether delivery happened.
func (n *Notifier) Notify(ctx context.Context, cat Category, text string, force bool) bool {
	if n == nil || n.sink == nil || text == "" {
		return false
	}
	if !force && !n.enabled(cat) {
		n.logger.Debug("mainagent.notify_suppressed", "category", string(cat))
		return false
	}
	if err := n.sink(ctx, text); err != nil {
		n.logger.Warn("mainagent.notify_failed", "category", string(cat), "error", err)
		return false
	}
	n.logger.Debug("mainagent.notified", "category", string(cat))
	return true
}

func (n *Notifier) enabled(cat Category) bool {
	var gate *bool
	switch cat {
	case CategoryProviders:
		gate = n.cfg.Providers
	case CategoryErrors:
		gate = n.cfg.Errors
	case CategoryIncidentResults:
		gate = n.cfg.IncidentResults
	case CategoryImprovements:
		gate = n.cfg.Improvements
	}
	return gate == nil || *gate
}
