package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/store/sqlite/migrations"
)

// runMigrations applies the embedded SQL migrations to the archive database.
//
// This is the relational schema of the archive tier itself (the kv table and
// its indexes), not the domain-level schema migrations handled by
// pkg/migrate. Uses golang-migrate with the iofs source so the binary is
// self-contained.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("create iofs source driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply archive schema migrations: %w", err)
	}
	if err == migrate.ErrNoChange {
		logger.Debug("archive schema up to date")
	} else {
		logger.Info("archive schema migrations applied")
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("read archive schema version: %w", err)
	}
	if err == nil {
		logger.Debug("archive schema version", "version", version, "dirty", dirty)
		if dirty {
			logger.Warn("archive schema is in dirty state, manual intervention may be required")
		}
	}
	return nil
}
