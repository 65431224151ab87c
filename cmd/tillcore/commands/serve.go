package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/api"
	"github.com/r0nw4lk3r31/tillcore/pkg/config"
	"github.com/r0nw4lk3r31/tillcore/pkg/events"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/lifecycle"
	"github.com/r0nw4lk3r31/tillcore/pkg/metrics"
	"github.com/r0nw4lk3r31/tillcore/pkg/migrate"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/replication"
	"github.com/r0nw4lk3r31/tillcore/pkg/scheduler"
	"github.com/r0nw4lk3r31/tillcore/pkg/snapshot"
	"github.com/r0nw4lk3r31/tillcore/pkg/stock"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
	badgerstore "github.com/r0nw4lk3r31/tillcore/pkg/store/badger"
	memorystore "github.com/r0nw4lk3r31/tillcore/pkg/store/memory"
	sqlitestore "github.com/r0nw4lk3r31/tillcore/pkg/store/sqlite"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tillcore server",
	Long: `Run tillcore in the foreground until interrupted.

In master mode (the default) this opens the tiered store, applies pending
schema migrations, rebuilds projections from the persisted event log, and
serves the replication endpoint for till terminals.

In client mode it connects to the configured master and mirrors broadcast
events into local projections.

Examples:
  # Run with the default config location
  tillcore serve

  # Run with a custom config file
  tillcore serve --config /etc/tillcore/config.yaml

  # Override settings through the environment
  TILLCORE_LOGGING_LEVEL=DEBUG tillcore serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("starting tillcore",
		"version", Version, "role", cfg.Replication.Role,
		"data_dir", cfg.Storage.DataDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.IsMaster() {
		return runMaster(ctx, cancel, cfg)
	}
	return runClient(ctx, cancel, cfg)
}

func runMaster(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	if err := ensureDataDirs(cfg); err != nil {
		return err
	}

	// A store that fails to open does not stop the till: the process keeps
	// running with live projections and snapshots while persistence degrades
	// per operation.
	st := buildTieredStore(cfg)
	degraded := false
	if err := st.Initialize(ctx); err != nil {
		degraded = true
		logger.Error("tiered store unavailable, running degraded",
			"data_dir", cfg.Storage.DataDir, "error", err)
	}

	log := events.NewMemLog(st)

	registry := projection.NewRegistry(st, projection.NewTables(), projection.NewStaff())
	unsubProjections := registry.Attach(log)
	if !degraded {
		if err := registry.Rebuild(ctx); err != nil {
			logger.Error("projection rebuild failed, starting from empty state", "error", err)
		}
	}

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Server.MetricsEnabled {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
		gatherer = reg
		log.Subscribe(func(e events.Event) { m.RecordEvent(e.Type) })
	}

	repo := stock.NewMemRepository()
	if degraded {
		logger.Warn("skipping schema migrations and stock hydration, store unavailable")
	} else {
		if err := applyMigrations(ctx, cfg, st, log, m); err != nil {
			return err
		}
		hydrateStockLevels(ctx, st, repo)
	}

	replCfg := replication.DefaultConfig()
	if cfg.Replication.MaxClients > 0 {
		replCfg.MaxClients = cfg.Replication.MaxClients
	}
	if cfg.Replication.HeartbeatTimeout > 0 {
		replCfg.HeartbeatTimeout = cfg.Replication.HeartbeatTimeout
	}

	confirmer := replication.NewStockConfirmer(repo, log)
	dispatcher := replication.NewDispatcher(registry, st, confirmer, repo)
	syncSrv := replication.NewServer(log, st, dispatcher, replCfg, m)
	syncSrv.Start()

	writer, err := snapshot.NewWriter(cfg.SnapshotDir())
	if err != nil {
		return fmt.Errorf("prepare snapshot directory: %w", err)
	}
	builder := snapshot.NewBuilder(registry)
	watcher := snapshot.NewWatcher(builder, writer,
		snapshot.WatcherConfig{MinInterval: cfg.Snapshot.MinInterval}, watcherMetrics(m))
	unsubWatcher := watcher.Attach(log)
	watcher.Start(ctx)

	coord := lifecycle.NewCoordinator(builder, writer)
	if _, err := coord.Startup(); err != nil {
		logger.Warn("startup comparison unavailable", "error", err)
	}

	sched := scheduler.New()
	reapInterval := replCfg.HeartbeatTimeout / 3
	if reapInterval < 5*time.Second {
		reapInterval = 5 * time.Second
	}
	if err := sched.Register(scheduler.Task{
		Name:     "reap-stale-clients",
		Interval: reapInterval,
		Run: func(ctx context.Context) {
			if n := syncSrv.ReapStale(); n > 0 {
				logger.Info("reaped stale sync clients", "count", n)
			}
		},
	}); err != nil {
		return fmt.Errorf("register background tasks: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start background tasks: %w", err)
	}

	apiSrv := api.NewServer(cfg.Server, api.NewRouter(api.Deps{
		Store:       st,
		Engine:      registry,
		Replication: syncSrv,
		Gatherer:    gatherer,
		Role:        cfg.Replication.Role,
		StartedAt:   time.Now(),
	}))
	serverDone := make(chan error, 1)
	go func() { serverDone <- apiSrv.Start(ctx) }()

	coord.OnShutdown("status-server", apiSrv.Stop)
	coord.OnShutdown("scheduler", func(context.Context) error { sched.Stop(); return nil })
	coord.OnShutdown("replication", syncSrv.Stop)
	coord.OnShutdown("snapshot-watcher", func(context.Context) error {
		unsubWatcher()
		watcher.Stop()
		return nil
	})
	coord.OnShutdown("projections", func(context.Context) error {
		unsubProjections()
		return nil
	})
	coord.OnShutdown("storage", func(context.Context) error { return st.Close() })

	logger.Info("master is running", "sync_endpoint", "/sync", "addr", apiSrv.Addr())
	return waitAndShutdown(cancel, cfg, coord, serverDone, nil)
}

func runClient(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.SnapshotDir(), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	// A client terminal keeps no durable store of its own: entities live on
	// the master and reads go over the wire. The local log exists to feed
	// projections and snapshots from the broadcast stream.
	log := events.NewMemLog(nil)
	registry := projection.NewRegistry(nil, projection.NewTables(), projection.NewStaff())
	unsubProjections := registry.Attach(log)

	var (
		m        *metrics.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Server.MetricsEnabled {
		reg := prometheus.NewRegistry()
		m = metrics.NewMetrics(reg)
		gatherer = reg
		log.Subscribe(func(e events.Event) { m.RecordEvent(e.Type) })
	}

	writer, err := snapshot.NewWriter(cfg.SnapshotDir())
	if err != nil {
		return fmt.Errorf("prepare snapshot directory: %w", err)
	}
	builder := snapshot.NewBuilder(registry)
	watcher := snapshot.NewWatcher(builder, writer,
		snapshot.WatcherConfig{MinInterval: cfg.Snapshot.MinInterval}, watcherMetrics(m))
	unsubWatcher := watcher.Attach(log)
	watcher.Start(ctx)

	coord := lifecycle.NewCoordinator(builder, writer)
	if _, err := coord.Startup(); err != nil {
		logger.Warn("startup comparison unavailable", "error", err)
	}

	clientCfg := replication.DefaultClientConfig(cfg.Replication.MasterURL)
	clientCfg.DeviceName = cfg.Replication.DeviceName
	if cfg.Replication.HeartbeatInterval > 0 {
		clientCfg.HeartbeatInterval = cfg.Replication.HeartbeatInterval
	}
	client := replication.NewClient(clientCfg, func(e events.Event) {
		// Re-accepting the broadcast reassigns the local sequence number but
		// preserves commit order, which is all the projections depend on.
		if _, err := log.Accept(e); err != nil {
			logger.Error("applying broadcast event failed", "event_id", e.ID, "error", err)
		}
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to master at %s: %w", cfg.Replication.MasterURL, err)
	}
	logger.Info("connected to master",
		"master_url", cfg.Replication.MasterURL, "connection_id", client.ConnectionID())

	apiSrv := api.NewServer(cfg.Server, api.NewRouter(api.Deps{
		Engine:    registry,
		Gatherer:  gatherer,
		Role:      cfg.Replication.Role,
		StartedAt: time.Now(),
	}))
	serverDone := make(chan error, 1)
	go func() { serverDone <- apiSrv.Start(ctx) }()

	coord.OnShutdown("status-server", apiSrv.Stop)
	coord.OnShutdown("master-connection", func(context.Context) error {
		client.Close()
		return nil
	})
	coord.OnShutdown("snapshot-watcher", func(context.Context) error {
		unsubWatcher()
		watcher.Stop()
		return nil
	})
	coord.OnShutdown("projections", func(context.Context) error {
		unsubProjections()
		return nil
	})

	return waitAndShutdown(cancel, cfg, coord, serverDone, client.Done())
}

// waitAndShutdown blocks until a shutdown trigger fires, then runs the
// coordinated shutdown sequence bounded by the configured timeout.
func waitAndShutdown(cancel context.CancelFunc, cfg *config.Config, coord *lifecycle.Coordinator, serverDone <-chan error, connLost <-chan struct{}) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, initiating graceful shutdown")
	case err := <-serverDone:
		if err != nil {
			logger.Error("status server failed", "error", err)
			runErr = err
		}
	case <-connLost:
		logger.Error("connection to master lost, shutting down")
		runErr = fmt.Errorf("connection to master lost")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	cancel()

	if runErr == nil {
		logger.Info("tillcore stopped")
	}
	return runErr
}

func buildTieredStore(cfg *config.Config) *store.TieredStore {
	return store.New(
		memorystore.New(store.TierHot),
		badgerstore.New(store.TierCold, badgerstore.Config{
			Path:       cfg.ColdPath(),
			SyncWrites: cfg.Storage.Cold.SyncWrites,
		}),
		sqlitestore.New(store.TierArchive, sqlitestore.Config{
			Path: cfg.ArchivePath(),
		}),
	)
}

func ensureDataDirs(cfg *config.Config) error {
	dirs := []string{
		cfg.Storage.DataDir,
		cfg.ColdPath(),
		filepath.Dir(cfg.ArchivePath()),
		cfg.SnapshotDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}
	return nil
}

// applyMigrations registers the built-in migrations and applies whatever is
// pending, with a pre-apply backup and rollback on failure.
func applyMigrations(ctx context.Context, cfg *config.Config, st *store.TieredStore, log events.Log, m *metrics.Metrics) error {
	migrator, err := buildMigrator(ctx, cfg, st, log)
	if err != nil {
		return err
	}

	err = migrator.MigrateAll(ctx, migrate.ApplyOptions{RollbackOnFailure: true})
	m.RecordMigration(err)
	if err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}
	return nil
}

func buildMigrator(ctx context.Context, cfg *config.Config, st *store.TieredStore, log events.Log) (*migrate.Migrator, error) {
	opts := []migrate.Option{}
	if log != nil {
		opts = append(opts, migrate.WithEventLog(log))
	}
	if cfg.Offsite.Enabled {
		uploader, err := migrate.NewS3UploaderFromConfig(ctx, migrate.S3UploaderConfig{
			Bucket:         cfg.Offsite.Bucket,
			Region:         cfg.Offsite.Region,
			Endpoint:       cfg.Offsite.Endpoint,
			KeyPrefix:      cfg.Offsite.Prefix,
			ForcePathStyle: cfg.Offsite.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("configure offsite backup upload: %w", err)
		}
		opts = append(opts, migrate.WithOffsiteUploader(uploader))
	}

	migrator := migrate.New(st, opts...)
	for _, mig := range builtinMigrations() {
		if err := migrator.Register(mig); err != nil {
			return nil, fmt.Errorf("register migration %s: %w", mig.ID, err)
		}
	}
	return migrator, nil
}

// hydrateStockLevels loads persisted stock levels into the in-memory
// repository. Missing or unreadable entries leave the product untracked, and
// reservations against untracked products are refused.
func hydrateStockLevels(ctx context.Context, st *store.TieredStore, repo *stock.MemRepository) {
	levelKeys, err := st.ListKind(ctx, store.TierCold, keys.KindStockLevel)
	if err != nil {
		logger.Warn("stock level hydration skipped", "error", err)
		return
	}

	loaded := 0
	for _, key := range levelKeys {
		raw, err := st.Load(ctx, key, store.TierCold)
		if err != nil {
			logger.Warn("skipping unreadable stock level", "key", key.String(), "error", err)
			continue
		}
		var level struct {
			Current  int `json:"current"`
			Reserved int `json:"reserved"`
		}
		if err := json.Unmarshal(raw, &level); err != nil {
			logger.Warn("skipping undecodable stock level", "key", key.String(), "error", err)
			continue
		}
		repo.SetLevel(key.ID, level.Current, level.Reserved)
		loaded++
	}
	if loaded > 0 {
		logger.Info("stock levels hydrated", "count", loaded)
	}
}

// watcherMetrics avoids handing the watcher a typed nil when metrics are
// disabled.
func watcherMetrics(m *metrics.Metrics) snapshot.WatcherMetrics {
	if m == nil {
		return nil
	}
	return m
}
