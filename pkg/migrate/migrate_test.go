package migrate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
	"github.com/r0nw4lk3r31/tillcore/pkg/store/memory"
)

func newMigratorStore(t *testing.T) *store.TieredStore {
	t.Helper()
	s := store.New(
		memory.New(store.TierHot),
		memory.New(store.TierCold),
		memory.New(store.TierArchive),
	)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// setProduct writes a product document used as migration subject.
func setProduct(t *testing.T, s *store.TieredStore, id, value string) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), keys.Product(id), []byte(value), store.TierCold))
}

func getProduct(t *testing.T, s *store.TieredStore, id string) string {
	t.Helper()
	raw, err := s.Load(context.Background(), keys.Product(id), store.TierCold)
	require.NoError(t, err)
	return string(raw)
}

func setValueMigration(id string, version int, productID, value string) Migration {
	return Migration{
		ID:      id,
		Version: version,
		Name:    fmt.Sprintf("set %s to %s", productID, value),
		Up: func(ctx context.Context, s *store.TieredStore) error {
			return s.Save(ctx, keys.Product(productID), []byte(value), store.TierCold)
		},
	}
}

func TestApplyPersistsRecordStateAndVersion(t *testing.T) {
	s := newMigratorStore(t)
	log := events.NewMemLog(nil)
	m := New(s, WithEventLog(log))

	var notified []string
	log.Subscribe(func(e events.Event) { notified = append(notified, e.Type) })

	setProduct(t, s, "a", "1")
	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "2")))
	require.NoError(t, m.Apply(context.Background(), "m1", ApplyOptions{}))

	assert.Equal(t, "2", getProduct(t, s, "a"))

	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentVersion)
	assert.Equal(t, []string{"m1"}, state.AppliedMigrations)
	assert.False(t, state.LastBackupAt.IsZero())

	history, err := m.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Success)
	assert.True(t, history[0].RollbackAvailable)
	assert.NotEmpty(t, history[0].Checksum)

	version, err := s.Load(context.Background(), keys.SchemaVersion(), store.TierCold)
	require.NoError(t, err)
	assert.Equal(t, "1", string(version))

	assert.Equal(t, []string{EventMigrationApplied}, notified)
}

func TestMigrateAllIsIdempotent(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "1")))
	require.NoError(t, m.Register(setValueMigration("m2", 2, "b", "2")))

	require.NoError(t, m.MigrateAll(context.Background(), ApplyOptions{}))

	history, err := m.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	firstApplied := history[0].AppliedAt

	// Second run: no new records, version unchanged.
	require.NoError(t, m.MigrateAll(context.Background(), ApplyOptions{}))

	history, err = m.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, firstApplied, history[0].AppliedAt)

	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, state.CurrentVersion)
}

func TestMigrateAllAppliesInVersionOrderAndStopsAtFailure(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	var order []string
	record := func(id string, version int, fail bool) Migration {
		return Migration{
			ID: id, Version: version, Name: id,
			Up: func(ctx context.Context, s *store.TieredStore) error {
				order = append(order, id)
				if fail {
					return fmt.Errorf("boom")
				}
				return nil
			},
		}
	}
	// Registered out of order on purpose.
	require.NoError(t, m.Register(record("m3", 3, false)))
	require.NoError(t, m.Register(record("m1", 1, false)))
	require.NoError(t, m.Register(record("m2", 2, true)))

	err := m.MigrateAll(context.Background(), ApplyOptions{SkipBackup: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m2")
	assert.Equal(t, []string{"m1", "m2"}, order, "m3 must not run after m2 failed")

	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.CurrentVersion)
}

func TestUnmetDependencyLeavesStateUnchanged(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	mig := setValueMigration("dependent", 2, "a", "2")
	mig.DependsOn = []string{"never-registered"}
	require.NoError(t, m.Register(mig))

	setProduct(t, s, "a", "1")
	err := m.Apply(context.Background(), "dependent", ApplyOptions{})
	require.Error(t, err)
	assert.True(t, IsDependencyError(err))

	assert.Equal(t, "1", getProduct(t, s, "a"), "store untouched")
	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentVersion)
	history, err := m.History(context.Background())
	require.NoError(t, err)
	assert.Empty(t, history, "no record for a rejected migration")
}

func TestValidationFailureRecordsFailure(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	mig := setValueMigration("mv", 1, "a", "2")
	mig.Validate = func(ctx context.Context, s *store.TieredStore) (bool, error) {
		return false, nil
	}
	require.NoError(t, m.Register(mig))

	err := m.Apply(context.Background(), "mv", ApplyOptions{SkipBackup: true})
	require.Error(t, err)

	history, err := m.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	assert.NotEmpty(t, history[0].Error)

	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentVersion, "failed migration does not advance version")
}

func TestRollbackRestoresPreMigrationValue(t *testing.T) {
	s := newMigratorStore(t)
	log := events.NewMemLog(nil)
	m := New(s, WithEventLog(log))

	var notified []string
	log.Subscribe(func(e events.Event) { notified = append(notified, e.Type) })

	setProduct(t, s, "a", "1")
	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "2")))
	require.NoError(t, m.Apply(context.Background(), "m1", ApplyOptions{}))
	assert.Equal(t, "2", getProduct(t, s, "a"))

	history, err := m.History(context.Background())
	require.NoError(t, err)
	backupID := history[0].BackupID
	require.NotEmpty(t, backupID)

	require.NoError(t, m.Rollback(context.Background(), backupID))
	assert.Equal(t, "1", getProduct(t, s, "a"))
	assert.Contains(t, notified, EventMigrationRollback)

	// The backup record itself survives the rollback.
	ids, err := m.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Contains(t, ids, backupID)
}

func TestRollbackOnFailureRestoresAutomatically(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	setProduct(t, s, "a", "1")
	mig := Migration{
		ID: "mangle", Version: 1, Name: "mangle then fail",
		Up: func(ctx context.Context, s *store.TieredStore) error {
			if err := s.Save(ctx, keys.Product("a"), []byte("mangled"), store.TierCold); err != nil {
				return err
			}
			return fmt.Errorf("transform failed halfway")
		},
	}
	require.NoError(t, m.Register(mig))

	err := m.Apply(context.Background(), "mangle", ApplyOptions{RollbackOnFailure: true})
	require.Error(t, err)
	assert.Equal(t, "1", getProduct(t, s, "a"), "store restored to pre-apply backup")
}

func TestDryRunMutatesNothing(t *testing.T) {
	s := newMigratorStore(t)
	m := New(s)

	setProduct(t, s, "a", "1")
	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "2")))
	require.NoError(t, m.Apply(context.Background(), "m1", ApplyOptions{DryRun: true}))

	assert.Equal(t, "1", getProduct(t, s, "a"))
	state, err := m.LoadState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, state.CurrentVersion)
	backups, err := m.ListBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups, "dry-run takes no backup")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := New(newMigratorStore(t))

	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "1")))
	assert.Error(t, m.Register(setValueMigration("m1", 2, "a", "1")), "duplicate id")
	assert.Error(t, m.Register(setValueMigration("m2", 1, "a", "1")), "duplicate version")
	assert.Error(t, m.Register(Migration{ID: "no-up", Version: 3}))
	assert.Error(t, m.Register(setValueMigration("m0", 0, "a", "1")), "non-positive version")
}

func TestChecksumDetectsDrift(t *testing.T) {
	a := Migration{ID: "m", Version: 1, Name: "n", Source: "v1 transform"}
	b := Migration{ID: "m", Version: 1, Name: "n", Source: "v2 transform"}
	assert.NotEqual(t, a.Checksum(), b.Checksum())
	assert.Equal(t, a.Checksum(), a.Checksum())
}

type captureUploader struct {
	ids []string
}

func (c *captureUploader) Upload(ctx context.Context, backupID string, data []byte) error {
	c.ids = append(c.ids, backupID)
	return nil
}

func TestOffsiteUploaderReceivesBackup(t *testing.T) {
	s := newMigratorStore(t)
	uploader := &captureUploader{}
	m := New(s, WithOffsiteUploader(uploader))

	require.NoError(t, m.Register(setValueMigration("m1", 1, "a", "1")))
	require.NoError(t, m.Apply(context.Background(), "m1", ApplyOptions{}))

	require.Len(t, uploader.ids, 1)
}
