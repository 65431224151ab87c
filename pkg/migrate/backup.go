package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// Backup is an immutable full copy of all three tiers, stored in the archive
// tier under its system:migration:backup: key. Values are raw stored bytes
// keyed by wire key, per tier name.
type Backup struct {
	ID          string                       `json:"id"`
	MigrationID string                       `json:"migrationId"`
	CreatedAt   time.Time                    `json:"createdAt"`
	Tiers       map[string]map[string][]byte `json:"tiers"`
}

// createBackup snapshots every tier into one archive-tier record. Other
// backup records in the archive tier are excluded so backups never nest.
func (m *Migrator) createBackup(ctx context.Context, migrationID string) (*Backup, error) {
	backup := &Backup{
		ID:          newBackupID(migrationID),
		MigrationID: migrationID,
		CreatedAt:   time.Now(),
		Tiers:       make(map[string]map[string][]byte, len(store.Tiers)),
	}

	for _, tier := range store.Tiers {
		rawKeys, err := m.store.ListKeys(ctx, tier, "")
		if err != nil {
			return nil, fmt.Errorf("list %s tier: %w", tier, err)
		}
		entries := make(map[string][]byte, len(rawKeys))
		for _, rawKey := range rawKeys {
			if tier == store.TierArchive && isBackupKey(rawKey) {
				continue
			}
			key, err := keys.Parse(rawKey)
			if err != nil {
				// Save only accepts typed keys, so anything unparseable was
				// written by an older schema; a migration handles those, a
				// backup cannot.
				logger.Warn("skipping key outside known namespaces", "key", rawKey, "tier", tier.String())
				continue
			}
			value, err := m.store.Load(ctx, key, tier)
			if err != nil {
				return nil, fmt.Errorf("read %s from %s tier: %w", rawKey, tier, err)
			}
			entries[rawKey] = value
		}
		backup.Tiers[tier.String()] = entries
	}

	raw, err := json.Marshal(backup)
	if err != nil {
		return nil, fmt.Errorf("encode backup: %w", err)
	}
	if err := m.store.Save(ctx, keys.MigrationBackup(backup.ID), raw, store.TierArchive); err != nil {
		return nil, fmt.Errorf("store backup: %w", err)
	}

	logger.Info("tier backup created", "backup_id", backup.ID, "migration_id", migrationID)

	if m.offsite != nil {
		if err := m.offsite.Upload(ctx, backup.ID, raw); err != nil {
			// Offsite copies are best-effort; the local backup is the one
			// rollback depends on.
			logger.Warn("offsite backup upload failed", "backup_id", backup.ID, "error", err)
		}
	}
	return backup, nil
}

// LoadBackup reads a backup record from the archive tier.
func (m *Migrator) LoadBackup(ctx context.Context, backupID string) (*Backup, error) {
	raw, err := m.store.Load(ctx, keys.MigrationBackup(backupID), store.TierArchive)
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", backupID, err)
	}
	var backup Backup
	if err := json.Unmarshal(raw, &backup); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", backupID, err)
	}
	return &backup, nil
}

// ListBackups returns the IDs of all stored backups, newest first.
func (m *Migrator) ListBackups(ctx context.Context) ([]string, error) {
	backupKeys, err := m.store.ListKind(ctx, store.TierArchive, keys.KindMigrationBackup)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(backupKeys))
	for _, key := range backupKeys {
		ids = append(ids, key.ID)
	}
	// Backup IDs embed a UTC timestamp, so reverse-lexicographic is
	// newest-first per migration id; good enough for operator listings.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// Rollback restores the store from a backup: hot and cold tiers are cleared
// and restored completely; in the archive tier every entry except backup
// records is replaced by the backup's content. Emits migration.rollback.
func (m *Migrator) Rollback(ctx context.Context, backupID string) error {
	backup, err := m.LoadBackup(ctx, backupID)
	if err != nil {
		return err
	}

	logger.Warn("rolling back store from backup", "backup_id", backupID, "migration_id", backup.MigrationID)

	for _, tier := range []store.Tier{store.TierHot, store.TierCold} {
		if err := m.store.ClearTier(ctx, tier); err != nil {
			return fmt.Errorf("clear %s tier: %w", tier, err)
		}
		if err := m.restoreTier(ctx, tier, backup.Tiers[tier.String()]); err != nil {
			return err
		}
	}

	// Archive: remove everything except backup records, then restore.
	archiveKeys, err := m.store.ListKeys(ctx, store.TierArchive, "")
	if err != nil {
		return fmt.Errorf("list archive tier: %w", err)
	}
	for _, rawKey := range archiveKeys {
		if isBackupKey(rawKey) {
			continue
		}
		key, err := keys.Parse(rawKey)
		if err != nil {
			continue
		}
		if err := m.store.Remove(ctx, key, store.TierArchive); err != nil {
			return fmt.Errorf("remove %s from archive: %w", rawKey, err)
		}
	}
	if err := m.restoreTier(ctx, store.TierArchive, backup.Tiers[store.TierArchive.String()]); err != nil {
		return err
	}

	m.notify(EventMigrationRollback, map[string]any{
		"backupId": backupID, "migrationId": backup.MigrationID,
	})
	logger.Info("rollback complete", "backup_id", backupID)
	return nil
}

func (m *Migrator) restoreTier(ctx context.Context, tier store.Tier, entries map[string][]byte) error {
	for rawKey, value := range entries {
		key, err := keys.Parse(rawKey)
		if err != nil {
			logger.Warn("skipping unparseable key during restore", "key", rawKey, "tier", tier.String())
			continue
		}
		if err := m.store.Save(ctx, key, value, tier); err != nil {
			return fmt.Errorf("restore %s to %s tier: %w", rawKey, tier, err)
		}
	}
	return nil
}

func isBackupKey(rawKey string) bool {
	return strings.HasPrefix(rawKey, keys.KindMigrationBackup.Prefix())
}
