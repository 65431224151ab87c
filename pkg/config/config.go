// Package config loads and validates the process configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (TILLCORE_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Replication roles.
const (
	RoleMaster = "master"
	RoleClient = "client"
)

// Config is the full process configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout bounds the graceful shutdown sequence.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Storage configures the three store tiers.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Replication decides whether this instance is master or client.
	Replication ReplicationModeConfig `mapstructure:"replication" yaml:"replication"`

	// Server configures the status/admin HTTP server (health, metrics,
	// status, sync endpoint).
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Snapshot configures the crash-recovery snapshot output.
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`

	// Offsite configures optional S3 upload of migration backups.
	Offsite OffsiteConfig `mapstructure:"offsite" yaml:"offsite"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// StorageConfig configures the tiered store backends.
type StorageConfig struct {
	// DataDir is the root directory for all durable state.
	DataDir string `mapstructure:"data_dir" validate:"required" yaml:"data_dir"`

	// Cold configures the durable primary tier.
	Cold ColdConfig `mapstructure:"cold" yaml:"cold"`

	// Archive configures the durable bulk/backup tier.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`
}

// ColdConfig configures the badger-backed cold tier.
type ColdConfig struct {
	// Path overrides the default <data_dir>/cold location.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// SyncWrites forces fsync on every write.
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// ArchiveConfig configures the sqlite-backed archive tier.
type ArchiveConfig struct {
	// Path overrides the default <data_dir>/archive.db location.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// ReplicationModeConfig decides the instance's replication role.
type ReplicationModeConfig struct {
	// Role is master or client.
	Role string `mapstructure:"role" validate:"required,oneof=master client" yaml:"role"`

	// MasterURL is the master's sync endpoint; required in client mode.
	// Example: ws://till-master:7741/sync
	MasterURL string `mapstructure:"master_url" yaml:"master_url,omitempty"`

	// DeviceName identifies this terminal in client mode.
	DeviceName string `mapstructure:"device_name" yaml:"device_name,omitempty"`

	// MaxClients limits concurrent client connections in master mode.
	MaxClients int `mapstructure:"max_clients" yaml:"max_clients"`

	// HeartbeatInterval is the client ping cadence.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long the master tolerates a silent client
	// before reaping the connection.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
}

// ServerConfig configures the status/admin HTTP server.
type ServerConfig struct {
	// BindAddress is the address to bind to; empty binds all interfaces.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address,omitempty"`

	// Port is the HTTP port.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// MetricsEnabled controls the /metrics endpoint and collection.
	MetricsEnabled bool `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// SnapshotConfig configures the crash-recovery snapshot output.
type SnapshotConfig struct {
	// Dir overrides the default <data_dir>/snapshots location.
	Dir string `mapstructure:"dir" yaml:"dir,omitempty"`

	// MinInterval is the minimum pause between two snapshot writes.
	MinInterval time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

// OffsiteConfig configures S3 upload of migration backups.
type OffsiteConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	Bucket string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region string `mapstructure:"region" yaml:"region,omitempty"`
	Prefix string `mapstructure:"prefix" yaml:"prefix,omitempty"`

	// Endpoint overrides the AWS endpoint, for S3-compatible storage.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// UsePathStyle is required by most S3-compatible servers (MinIO etc).
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// ColdPath returns the effective cold-tier directory.
func (c *Config) ColdPath() string {
	if c.Storage.Cold.Path != "" {
		return c.Storage.Cold.Path
	}
	return filepath.Join(c.Storage.DataDir, "cold")
}

// ArchivePath returns the effective archive-tier database file.
func (c *Config) ArchivePath() string {
	if c.Storage.Archive.Path != "" {
		return c.Storage.Archive.Path
	}
	return filepath.Join(c.Storage.DataDir, "archive.db")
}

// SnapshotDir returns the effective snapshot directory.
func (c *Config) SnapshotDir() string {
	if c.Snapshot.Dir != "" {
		return c.Snapshot.Dir
	}
	return filepath.Join(c.Storage.DataDir, "snapshots")
}

// IsMaster reports whether the instance runs in master mode.
func (c *Config) IsMaster() bool { return c.Replication.Role == RoleMaster }

// Load loads configuration from file, environment and defaults. An empty
// configPath uses the default location; a missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with actionable errors when no file exists.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Initialize one first:\n"+
				"  tillcore init\n\n"+
				"Or point at a custom file:\n"+
				"  tillcore <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  tillcore init --config %s",
			configPath, configPath)
	}
	return Load(configPath)
}

// Save writes the configuration as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// ApplyDefaults fills zero values with defaults. Explicit values are kept.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}

	if cfg.Replication.Role == "" {
		cfg.Replication.Role = RoleMaster
	}
	if cfg.Replication.HeartbeatInterval == 0 {
		cfg.Replication.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Replication.HeartbeatTimeout == 0 {
		cfg.Replication.HeartbeatTimeout = 90 * time.Second
	}
	if cfg.Replication.MaxClients == 0 {
		cfg.Replication.MaxClients = 64
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7741
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}

	if cfg.Snapshot.MinInterval == 0 {
		cfg.Snapshot.MinInterval = 2 * time.Second
	}
}

// Validate checks structural validity plus role cross-requirements.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}
	switch cfg.Replication.Role {
	case RoleClient:
		if cfg.Replication.MasterURL == "" {
			return fmt.Errorf("replication.master_url is required in client mode")
		}
	case RoleMaster:
		if cfg.Replication.MasterURL != "" {
			return fmt.Errorf("replication.master_url is only valid in client mode")
		}
	}
	if cfg.Offsite.Enabled && cfg.Offsite.Bucket == "" {
		return fmt.Errorf("offsite.bucket is required when offsite backup is enabled")
	}
	return nil
}

// GetDefaultConfig returns a Config with every default applied.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

func setupViper(v *viper.Viper, configPath string) {
	// TILLCORE_LOGGING_LEVEL=DEBUG overrides logging.level, and so on.
	v.SetEnvPrefix("TILLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(durationDecodeHook())
}

// durationDecodeHook lets config files use "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "tillcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "tillcore")
}

func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "tillcore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tillcore-data"
	}
	return filepath.Join(home, ".local", "share", "tillcore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
