package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, RoleMaster, cfg.Replication.Role)
	assert.Equal(t, 7741, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 2*time.Second, cfg.Snapshot.MinInterval)
}

func TestDerivedPathsFollowDataDir(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Storage.DataDir = "/var/lib/tillcore"

	assert.Equal(t, "/var/lib/tillcore/cold", cfg.ColdPath())
	assert.Equal(t, "/var/lib/tillcore/archive.db", cfg.ArchivePath())
	assert.Equal(t, "/var/lib/tillcore/snapshots", cfg.SnapshotDir())

	cfg.Storage.Cold.Path = "/mnt/fast/cold"
	cfg.Snapshot.Dir = "/srv/snapshots"
	assert.Equal(t, "/mnt/fast/cold", cfg.ColdPath())
	assert.Equal(t, "/srv/snapshots", cfg.SnapshotDir())
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
  format: json
storage:
  data_dir: `+dir+`
replication:
  role: client
  master_url: ws://master:7741/sync
  device_name: till-2
  heartbeat_interval: 5s
server:
  port: 9000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, RoleClient, cfg.Replication.Role)
	assert.Equal(t, "ws://master:7741/sync", cfg.Replication.MasterURL)
	assert.Equal(t, 5*time.Second, cfg.Replication.HeartbeatInterval)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.IsMaster())

	// Unspecified values still get defaults.
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 64, cfg.Replication.MaxClients)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, cfg.Replication.Role)
}

func TestValidateRoleCrossRequirements(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Replication.Role = RoleClient
	require.ErrorContains(t, Validate(cfg), "master_url is required")

	cfg.Replication.Role = RoleMaster
	cfg.Replication.MasterURL = "ws://other:7741/sync"
	require.ErrorContains(t, Validate(cfg), "only valid in client mode")

	cfg = GetDefaultConfig()
	cfg.Replication.Role = "standalone"
	require.Error(t, Validate(cfg))

	cfg = GetDefaultConfig()
	cfg.Offsite.Enabled = true
	require.ErrorContains(t, Validate(cfg), "offsite.bucket")
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Server.Port = 8123
	cfg.Storage.Cold.SyncWrites = true
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	if os.Geteuid() != 0 {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Server.Port)
	assert.True(t, loaded.Storage.Cold.SyncWrites)
	assert.Equal(t, dir, loaded.Storage.DataDir)
}

func TestMustLoadMissingExplicitFileIsActionable(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorContains(t, err, "tillcore init")
}
