// Package sqlite implements the archive-tier backend on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
//
// The archive tier holds bulk, append-mostly data: migration backups and
// long-lived records rotated out of the cold tier. A single-file SQL database
// keeps it inspectable with standard tooling at the venue.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Config holds sqlite backend configuration.
type Config struct {
	// Path is the database file. ":memory:" is accepted for tests.
	Path string
}

// Backend is a sqlite-backed key/value engine for one tier.
type Backend struct {
	tier store.Tier
	cfg  Config

	mu sync.RWMutex
	db *sql.DB
}

// New creates an unopened sqlite backend serving the given tier.
func New(tier store.Tier, cfg Config) *Backend {
	return &Backend{tier: tier, cfg: cfg}
}

// Initialize opens the database and applies the embedded schema migrations.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", b.cfg.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return fmt.Errorf("open sqlite at %s: %w", b.cfg.Path, err)
	}
	// modernc sqlite serializes writes internally; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping sqlite at %s: %w", b.cfg.Path, err)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return fmt.Errorf("bootstrap archive schema: %w", err)
	}

	b.db = db
	logger.Info("sqlite tier opened", "tier", b.tier.String(), "path", b.cfg.Path)
	return nil
}

func (b *Backend) database() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, store.NewTierUnavailableError(b.tier, fmt.Errorf("sqlite not open"))
	}
	return b.db, nil
}

func (b *Backend) Save(ctx context.Context, key string, value []byte) error {
	db, err := b.database()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "save failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) Load(ctx context.Context, key string) ([]byte, error) {
	db, err := b.database()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, store.NewNotFoundError(key, b.tier)
	}
	if err != nil {
		return nil, &store.StoreError{
			Code: store.ErrIOError, Message: "load failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return value, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	db, err := b.database()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "remove failed", Key: key, Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	db, err := b.database()
	if err != nil {
		return nil, err
	}

	// GLOB avoids LIKE's escaping rules for keys containing '_' and '%'.
	rows, err := db.QueryContext(ctx, `SELECT key FROM kv WHERE key GLOB ? ORDER BY key`, globEscape(prefix)+"*")
	if err != nil {
		return nil, &store.StoreError{
			Code: store.ErrIOError, Message: "list failed", Tier: b.tier, Err: err,
		}
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (b *Backend) Clear(ctx context.Context) error {
	db, err := b.database()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return &store.StoreError{
			Code: store.ErrIOError, Message: "clear failed", Tier: b.tier, Err: err,
		}
	}
	return nil
}

func (b *Backend) Stats(ctx context.Context) (store.TierStats, error) {
	db, err := b.database()
	if err != nil {
		return store.TierStats{}, err
	}
	var stats store.TierStats
	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM kv`,
	).Scan(&stats.Keys, &stats.Bytes)
	if err != nil {
		return store.TierStats{}, err
	}
	return stats, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// globEscape backslash-escapes GLOB metacharacters in a literal prefix.
func globEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']':
			out = append(out, '[', s[i], ']')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
