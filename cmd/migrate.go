package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goant/internal/config"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	// Env override, used by the Docker entrypoint.
	if v := os.Getenv("ANT_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// Default: ./migrations next to the executable.
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// withMigrator resolves the DSN, opens a migrator over the migrations dir,
// runs fn, and closes it. Every subcommand funnels through here so DSN and
// source handling stay in one place.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	// The DSN is a secret and comes from the environment only; config.Load
	// reads ANT_POSTGRES_DSN into cfg.Database.PostgresDSN.
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("ANT_POSTGRES_DSN environment variable is not set")
	}

	m, err := migrate.New("file://"+resolveMigrationsDir(), cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}

// logSchemaVersion reports the post-command schema state. ErrNilVersion
// means a bare database (nothing applied yet).
func logSchemaVersion(m *migrate.Migrate, action string) {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		slog.Info(action, "version", "none")
		return
	}
	slog.Info(action, "version", v, "dirty", dirty)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the managed-mode database schema",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (default: 1 step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if downSteps <= 0 {
					downSteps = 1
				}
				if err := m.Steps(-downSteps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				logSchemaVersion(m, "rollback complete")
				return nil
			})
		},
	}
	down.Flags().IntVarP(&downSteps, "steps", "n", 1, "number of steps to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate up: %w", err)
					}
					logSchemaVersion(m, "migration complete")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					v, dirty, err := m.Version()
					if errors.Is(err, migrate.ErrNilVersion) {
						fmt.Println("version: none (no migrations applied)")
						return nil
					}
					if err != nil {
						return fmt.Errorf("get version: %w", err)
					}
					fmt.Printf("version: %d, dirty: %v\n", v, dirty)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version (no migration applied)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(version); err != nil {
						return fmt.Errorf("force version: %w", err)
					}
					slog.Info("forced version", "version", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version: %w", err)
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return fmt.Errorf("migrate goto: %w", err)
					}
					slog.Info("migrated to version", "version", version)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "drop",
			Short: "Drop all tables (DANGEROUS)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Drop(); err != nil {
						return fmt.Errorf("drop: %w", err)
					}
					slog.Info("all tables dropped")
					return nil
				})
			},
		},
	)

	return cmd
}
