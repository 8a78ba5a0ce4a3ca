package cmd

import (
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/goant/internal/config"
	"github.com/nextlevelbuilder/goant/internal/store"
	"github.com/nextlevelbuilder/goant/internal/store/pg"
	"github.com/nextlevelbuilder/goant/internal/tracing"
)

// isManagedMode reports whether Postgres-backed stores should be used. The
// DSN comes from the environment only, so a config that says "managed" but
// has no DSN degrades to standalone with a warning.
func isManagedMode(cfg *config.Config) bool {
	if cfg.Database.Mode != "managed" {
		return false
	}
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.mode is managed but ANT_POSTGRES_DSN is not set; running standalone")
		return false
	}
	return true
}

// openRemoteStores connects the Postgres-backed stores. Managed mode without
// a reachable database is a misconfiguration, not a degraded state: exit so
// the operator notices before sessions diverge from the mirror.
func openRemoteStores(cfg *config.Config) *store.Stores {
	pgStores, err := pg.NewPGStores(store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		Mode:        cfg.Database.Mode,
	})
	if err != nil {
		slog.Error("failed to open postgres stores", "error", err)
		os.Exit(1)
	}
	slog.Info("managed mode: postgres stores online")
	return pgStores
}

// openTraceStore picks the span sink: Postgres in managed mode, SQLite at
// ~/.ant/data/traces.db otherwise. A nil return disables tracing.
func openTraceStore(cfg *config.Config, remote *store.Stores) tracing.Store {
	if remote != nil && remote.Tracing != nil {
		return remote.Tracing
	}
	if cfg.Tracing.Enabled != nil && !*cfg.Tracing.Enabled {
		return nil
	}
	sqlStore, err := tracing.NewSQLiteStore(config.ExpandHome(cfg.Tracing.DBPath), cfg.Tracing.RetentionDays)
	if err != nil {
		slog.Warn("trace store unavailable", "path", cfg.Tracing.DBPath, "error", err)
		return nil
	}
	return sqlStore
}
