package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/config"
	"github.com/r0nw4lk3r31/tillcore/pkg/migrate"
)

var (
	migrateDryRun   bool
	migrateRollback string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Apply every pending schema migration against the local store.

Each migration takes a backup of all three tiers before running; a failed
migration is rolled back from that backup automatically.

Examples:
  # Show what would be applied without touching the store
  tillcore migrate --dry-run

  # Apply everything pending
  tillcore migrate

  # Restore the store from a migration backup
  tillcore migrate --rollback 2026-02-stock-level-reserved-1756372800`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Log planned changes without mutating the store")
	migrateCmd.Flags().StringVar(&migrateRollback, "rollback", "", "Restore the store from the given backup ID instead of migrating")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}
	if err := ensureDataDirs(cfg); err != nil {
		return err
	}

	ctx := context.Background()

	st := buildTieredStore(cfg)
	if err := st.Initialize(ctx); err != nil {
		return fmt.Errorf("open tiered store under %s: %w", cfg.Storage.DataDir, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store", "error", err)
		}
	}()

	migrator, err := buildMigrator(ctx, cfg, st, nil)
	if err != nil {
		return err
	}

	if migrateRollback != "" {
		if err := migrator.Rollback(ctx, migrateRollback); err != nil {
			return fmt.Errorf("rollback from %s: %w", migrateRollback, err)
		}
		fmt.Printf("Store restored from backup %s\n", migrateRollback)
		return nil
	}

	pending, err := migrator.Pending(ctx)
	if err != nil {
		return fmt.Errorf("determine pending migrations: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("Schema is up to date, nothing to apply.")
		return nil
	}

	for _, mig := range pending {
		fmt.Printf("pending: %s (v%d) %s\n", mig.ID, mig.Version, mig.Name)
	}

	opts := migrate.ApplyOptions{
		DryRun:            migrateDryRun,
		RollbackOnFailure: !migrateDryRun,
	}
	if err := migrator.MigrateAll(ctx, opts); err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}

	if migrateDryRun {
		fmt.Printf("Dry run complete, %d migration(s) would be applied.\n", len(pending))
	} else {
		fmt.Printf("Applied %d migration(s).\n", len(pending))
	}
	return nil
}
