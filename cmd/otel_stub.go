//go:build !otel

package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/tracing"
)

// initOTelExporter is a no-op unless the binary is built with -tags otel.
func initOTelExporter(_ context.Context, cfg *config.Config, _ *tracing.Collector) {
	if cfg.Telemetry.Enabled {
		slog.Warn("telemetry.enabled is set but this binary was built without -tags otel")
	}
}
