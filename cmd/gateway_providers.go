package cmd

import (
	"log/slog"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/discovery"
	"github.com/nextlevelbuilder/goant/internal/router"
)

// registerProviders loads the configured provider catalog into the router.
// A spec that fails validation is skipped, not fatal: the gateway can still
// come up on the remaining providers (or on discovery alone).
func registerProviders(rm *router.Manager, cfg *config.Config) int {
	registered := 0
	for id, spec := range cfg.Providers.List {
		if err := rm.Register(id, spec); err != nil {
			slog.Error("skipping provider", "id", id, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// restoreOverlay re-registers discovered providers persisted by a previous
// run. Health sweeps correct entries that have gone stale since.
func restoreOverlay(rm *router.Manager, disco *discovery.Service) {
	ov, err := disco.Overlay()
	if err != nil || ov == nil || len(ov.Providers) == 0 {
		return
	}
	restored := 0
	for id, rec := range ov.Providers {
		if rec == nil || rec.Config == nil {
			continue
		}
		if _, regErr := rm.RegisterDiscovered(id, rec.Config, false); regErr != nil {
			slog.Warn("overlay provider skipped", "id", id, "error", regErr)
			continue
		}
		restored++
	}
	if restored > 0 {
		slog.Info("restored discovered providers", "count", restored, "overlay", disco.OverlayPath())
	}
}
