// Package migrate implements the versioned schema-migration engine for the
// tiered store.
//
// Migrations transform the documents stored in the tiers (renaming fields,
// splitting keys, building meta indexes) as the software evolves. Each
// migration is registered with a monotonic version and optional dependencies;
// applying one snapshots all three tiers into an archive-tier backup first,
// so a failed or regretted migration can be rolled back to the last
// consistent state.
//
// The engine assumes single-writer access to the migration state: run it
// from process startup or the CLI, never concurrently.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Event types emitted on the event log.
const (
	EventMigrationApplied  = "migration.applied"
	EventMigrationRollback = "migration.rollback"
)

// Migration is one registered schema transformation.
type Migration struct {
	// ID uniquely names the migration ("2024-06-add-category-index").
	ID string

	// Version orders migrations; applied versions must strictly increase.
	Version int

	// Name is the human-readable description used in records and logs.
	Name string

	// DependsOn lists migration IDs that must be applied successfully first.
	DependsOn []string

	// Source describes the transformation for drift detection; the checksum
	// covers it together with ID, Version, and Name.
	Source string

	// Up performs the forward transformation.
	Up func(ctx context.Context, s *store.TieredStore) error

	// Validate optionally checks the result; returning false fails the
	// migration even though Up returned no error.
	Validate func(ctx context.Context, s *store.TieredStore) (bool, error)
}

// Checksum returns the migration's content checksum.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", m.ID, m.Version, m.Name, m.Source)))
	return hex.EncodeToString(sum[:])
}

// Record is the persisted history entry of one migration application.
type Record struct {
	ID                string    `json:"id"`
	Version           int       `json:"version"`
	Name              string    `json:"name"`
	AppliedAt         time.Time `json:"appliedAt"`
	Checksum          string    `json:"checksum"`
	Success           bool      `json:"success"`
	RollbackAvailable bool      `json:"rollbackAvailable"`
	BackupID          string    `json:"backupId,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// State is the singleton migration state persisted in the cold tier.
type State struct {
	CurrentVersion    int       `json:"currentVersion"`
	AppliedMigrations []string  `json:"appliedMigrations"`
	PendingMigrations []string  `json:"pendingMigrations"`
	LastBackupAt      time.Time `json:"lastBackupAt,omitzero"`
}

func (s *State) applied(id string) bool {
	for _, a := range s.AppliedMigrations {
		if a == id {
			return true
		}
	}
	return false
}

// ApplyOptions tune a single application.
type ApplyOptions struct {
	// SkipBackup skips the pre-apply tier snapshot.
	SkipBackup bool

	// SkipValidation skips the migration's Validate predicate.
	SkipValidation bool

	// RollbackOnFailure restores the pre-apply backup when Up or Validate
	// fails. Requires a backup.
	RollbackOnFailure bool

	// DryRun logs what would happen without mutating storage or state.
	DryRun bool
}

// DependencyError reports a migration whose declared dependency has not been
// applied successfully.
type DependencyError struct {
	MigrationID string
	MissingID   string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("migration %s depends on %s, which is not applied", e.MigrationID, e.MissingID)
}

// IsDependencyError reports whether err is an unmet-dependency rejection.
func IsDependencyError(err error) bool {
	var de *DependencyError
	return errors.As(err, &de)
}

// Migrator applies registered migrations against one tiered store.
type Migrator struct {
	store   *store.TieredStore
	log     events.Log     // optional; nil disables notifications
	offsite BackupUploader // optional; nil disables offsite copies

	mu         sync.Mutex
	registered map[string]Migration
}

// Option configures a Migrator.
type Option func(*Migrator)

// WithEventLog emits migration.applied / migration.rollback notifications.
func WithEventLog(log events.Log) Option {
	return func(m *Migrator) { m.log = log }
}

// WithOffsiteUploader copies each backup to offsite storage after creation.
func WithOffsiteUploader(u BackupUploader) Option {
	return func(m *Migrator) { m.offsite = u }
}

// New creates a Migrator over the given store.
func New(s *store.TieredStore, opts ...Option) *Migrator {
	m := &Migrator{store: s, registered: make(map[string]Migration)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a migration to the registry. Registering the same ID twice
// or a non-positive version is an error.
func (m *Migrator) Register(mig Migration) error {
	if mig.ID == "" || mig.Up == nil {
		return fmt.Errorf("migration needs an id and an Up function")
	}
	if mig.Version <= 0 {
		return fmt.Errorf("migration %s has non-positive version %d", mig.ID, mig.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registered[mig.ID]; exists {
		return fmt.Errorf("migration %s already registered", mig.ID)
	}
	for _, other := range m.registered {
		if other.Version == mig.Version {
			return fmt.Errorf("migration %s reuses version %d of %s", mig.ID, mig.Version, other.ID)
		}
	}
	m.registered[mig.ID] = mig
	return nil
}

// LoadState reads the persisted migration state, returning the zero state
// when none exists yet.
func (m *Migrator) LoadState(ctx context.Context) (*State, error) {
	state, err := store.LoadJSON[State](ctx, m.store, keys.MigrationState(), store.TierCold)
	if store.IsNotFound(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load migration state: %w", err)
	}
	return state, nil
}

func (m *Migrator) saveState(ctx context.Context, state *State) error {
	return store.SaveValidated(ctx, m.store, keys.MigrationState(), state, store.TierCold)
}

// Pending returns the registered migrations not yet applied successfully,
// sorted ascending by version.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	state, err := m.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	return m.pendingFor(state), nil
}

func (m *Migrator) pendingFor(state *State) []Migration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []Migration
	for _, mig := range m.registered {
		if !state.applied(mig.ID) {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	return pending
}

// Apply runs one migration through the full sequence: checksum, backup,
// forward transform, validation, record and state persistence, notification.
//
// An unmet dependency rejects the migration before anything is touched and
// leaves state unchanged. On failure a success=false record is persisted;
// with RollbackOnFailure set and a backup present, all tiers are restored
// before the error propagates.
func (m *Migrator) Apply(ctx context.Context, id string, opts ApplyOptions) error {
	m.mu.Lock()
	mig, ok := m.registered[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("migration %s is not registered", id)
	}

	state, err := m.LoadState(ctx)
	if err != nil {
		return err
	}
	if state.applied(mig.ID) {
		logger.Info("migration already applied, skipping", "id", mig.ID)
		return nil
	}
	for _, dep := range mig.DependsOn {
		if !state.applied(dep) {
			return &DependencyError{MigrationID: mig.ID, MissingID: dep}
		}
	}
	if mig.Version <= state.CurrentVersion {
		return fmt.Errorf("migration %s version %d does not advance current version %d",
			mig.ID, mig.Version, state.CurrentVersion)
	}

	checksum := mig.Checksum()

	if opts.DryRun {
		logger.Info("dry-run: would apply migration",
			"id", mig.ID, "version", mig.Version, "name", mig.Name,
			"checksum", checksum, "backup", !opts.SkipBackup)
		return nil
	}

	var backupID string
	if !opts.SkipBackup {
		backup, err := m.createBackup(ctx, mig.ID)
		if err != nil {
			return fmt.Errorf("backup before %s: %w", mig.ID, err)
		}
		backupID = backup.ID
		state.LastBackupAt = backup.CreatedAt
	}

	logger.Info("applying migration", "id", mig.ID, "version", mig.Version, "name", mig.Name)

	applyErr := mig.Up(ctx, m.store)
	if applyErr == nil && mig.Validate != nil && !opts.SkipValidation {
		valid, err := mig.Validate(ctx, m.store)
		if err != nil {
			applyErr = fmt.Errorf("validation errored: %w", err)
		} else if !valid {
			applyErr = fmt.Errorf("validation predicate returned false")
		}
	}

	record := Record{
		ID:                mig.ID,
		Version:           mig.Version,
		Name:              mig.Name,
		AppliedAt:         time.Now(),
		Checksum:          checksum,
		Success:           applyErr == nil,
		RollbackAvailable: backupID != "",
		BackupID:          backupID,
	}

	if applyErr != nil {
		record.Error = applyErr.Error()
		if err := m.saveRecord(ctx, record); err != nil {
			logger.Error("failed to persist failure record", "id", mig.ID, "error", err)
		}
		if opts.RollbackOnFailure && backupID != "" {
			logger.Warn("migration failed, restoring backup", "id", mig.ID, "backup_id", backupID)
			if rbErr := m.Rollback(ctx, backupID); rbErr != nil {
				return fmt.Errorf("migration %s failed (%w) and rollback failed: %v", mig.ID, applyErr, rbErr)
			}
		}
		return fmt.Errorf("migration %s (%s) failed: %w", mig.ID, mig.Name, applyErr)
	}

	state.CurrentVersion = mig.Version
	state.AppliedMigrations = append(state.AppliedMigrations, mig.ID)
	state.PendingMigrations = migrationIDs(m.pendingFor(state))

	if err := m.saveRecord(ctx, record); err != nil {
		return fmt.Errorf("persist record for %s: %w", mig.ID, err)
	}
	if err := m.saveState(ctx, state); err != nil {
		return fmt.Errorf("persist state after %s: %w", mig.ID, err)
	}
	if err := m.saveSchemaVersion(ctx, state.CurrentVersion); err != nil {
		return fmt.Errorf("persist schema version after %s: %w", mig.ID, err)
	}

	m.notify(EventMigrationApplied, map[string]any{
		"id": mig.ID, "version": mig.Version, "name": mig.Name, "backupId": backupID,
	})
	logger.Info("migration applied", "id", mig.ID, "version", mig.Version)
	return nil
}

// MigrateAll applies every pending migration in ascending version order,
// stopping at the first failure. Re-running after full success is a no-op.
func (m *Migrator) MigrateAll(ctx context.Context, opts ApplyOptions) error {
	state, err := m.LoadState(ctx)
	if err != nil {
		return err
	}
	pending := m.pendingFor(state)
	if len(pending) == 0 {
		logger.Info("no pending migrations", "current_version", state.CurrentVersion)
		return nil
	}
	for _, mig := range pending {
		if err := m.Apply(ctx, mig.ID, opts); err != nil {
			return err
		}
	}
	return nil
}

// History returns all persisted migration records sorted by version.
func (m *Migrator) History(ctx context.Context) ([]Record, error) {
	recordKeys, err := m.store.ListKind(ctx, store.TierCold, keys.KindMigrationRecord)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(recordKeys))
	for _, key := range recordKeys {
		rec, err := store.LoadJSON[Record](ctx, m.store, key, store.TierCold)
		if err != nil {
			logger.Warn("unreadable migration record", "key", key.String(), "error", err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

func (m *Migrator) saveRecord(ctx context.Context, rec Record) error {
	// One record per migration id; a retried migration overwrites its
	// previous failure record, so at most one success per id can exist.
	return store.SaveValidated(ctx, m.store, keys.MigrationRecord(rec.ID), &rec, store.TierCold)
}

func (m *Migrator) saveSchemaVersion(ctx context.Context, version int) error {
	return m.store.Save(ctx, keys.SchemaVersion(), []byte(fmt.Sprintf("%d", version)), store.TierCold)
}

func (m *Migrator) notify(eventType string, payload any) {
	if m.log == nil {
		return
	}
	if _, err := m.log.Emit(eventType, payload); err != nil {
		logger.Warn("migration notification failed", "type", eventType, "error", err)
	}
}

func migrationIDs(migs []Migration) []string {
	ids := make([]string, len(migs))
	for i, mig := range migs {
		ids[i] = mig.ID
	}
	return ids
}

func newBackupID(migrationID string) string {
	return fmt.Sprintf("%s-%s-%s", migrationID, time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}
