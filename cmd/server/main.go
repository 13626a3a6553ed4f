// Pantry Server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - File tree with trash, restore and permanent delete
// - Managed storage (local, S3, MinIO, SMB) and per-user custom drives
// - Public share links
// - SSE change feed
// - Background trash/orphan sweeps and drive scans
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/api"
	"github.com/fruitsalade/pantry/internal/audit"
	"github.com/fruitsalade/pantry/internal/auth"
	"github.com/fruitsalade/pantry/internal/config"
	"github.com/fruitsalade/pantry/internal/events"
	"github.com/fruitsalade/pantry/internal/filetree"
	"github.com/fruitsalade/pantry/internal/lock"
	"github.com/fruitsalade/pantry/internal/logging"
	"github.com/fruitsalade/pantry/internal/metadata"
	"github.com/fruitsalade/pantry/internal/metadata/memory"
	"github.com/fruitsalade/pantry/internal/metadata/postgres"
	"github.com/fruitsalade/pantry/internal/metrics"
	"github.com/fruitsalade/pantry/internal/quota"
	"github.com/fruitsalade/pantry/internal/reconcile"
	"github.com/fruitsalade/pantry/internal/scanner"
	"github.com/fruitsalade/pantry/internal/settings"
	"github.com/fruitsalade/pantry/internal/sharing"
	"github.com/fruitsalade/pantry/internal/storage/provider"
	"github.com/fruitsalade/pantry/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Pantry server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metadata store
	store, pg := openStore(ctx, cfg)
	defer store.Close()
	seedSettings(ctx, store, cfg)

	// Managed storage
	backendType, backendConfig, err := cfg.BackendConfig()
	if err != nil {
		logging.Fatal("storage config invalid", zap.Error(err))
	}
	router, err := provider.Open(ctx, backendType, backendConfig, cfg.MinFreeBytes)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer router.Close()

	// Redis (optional)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logging.Fatal("redis connection failed", zap.Error(err))
		}
		defer rdb.Close()
		logging.Info("redis connected", zap.String("addr", cfg.RedisAddr))
	}

	settingsSvc := settings.NewService(store, cfg.SettingsCacheTTL, rdb)
	settingsSvc.Start()
	defer settingsSvc.Stop()

	// Audit trail: activity table, plus RabbitMQ when configured
	sinks := []audit.Sink{audit.NewDBSink(store)}
	if cfg.RabbitMQURL != "" {
		amqpSink, err := audit.NewAMQPSink(cfg.RabbitMQURL, cfg.AuditExchange)
		if err != nil {
			logging.Fatal("rabbitmq connection failed", zap.Error(err))
		}
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
		logging.Info("audit events published to rabbitmq", zap.String("exchange", cfg.AuditExchange))
	}
	recorder := audit.NewRecorder(1024, sinks...)
	recorder.Start()
	defer recorder.Stop()

	broadcaster := events.NewBroadcaster()

	tree := filetree.New(filetree.Config{
		Store:    store,
		Backends: router,
		Quota:    quota.New(cfg.DefaultStorageLimit),
		Settings: settingsSvc,
		Events:   broadcaster,
		Audit:    recorder,
	})
	shares := sharing.New(store, tree, recorder)

	// Background work
	trashSweeper := reconcile.NewTrashSweeper(store, tree)
	trashSweeper.Retention = cfg.TrashRetention
	trashSweeper.BatchSize = cfg.TrashSweepBatch
	orphanSweeper := reconcile.NewOrphanSweeper(store, router.Managed(), cfg.OrphanGrace, cfg.SweepDeleteRate)
	driveScanner := scanner.New(store, router, tree)
	driveScanner.SettleTime = cfg.DriveScanSettle

	var locker worker.Locker
	if rdb != nil {
		locker = lock.NewRedis(rdb, "pantry:lock:")
	}
	scheduler := worker.NewScheduler(locker,
		trashSweeper.Task(cfg.TrashSweepInterval),
		orphanSweeper.Task(cfg.OrphanSweepInterval),
		driveScanner.Task(cfg.DriveScanInterval),
	)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Create API server
	srv := api.NewServer(api.Deps{
		Tree:     tree,
		Shares:   shares,
		Settings: settingsSvc,
		Users:    store,
		Auth:     auth.New(cfg.JWTSecret),
		Events:   broadcaster,
		Jobs:     scheduler,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Start periodic metrics update
	if pg != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pg.UpdateConnectionMetrics()
				}
			}
		}()
	}

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// openStore connects to PostgreSQL and migrates it, or falls back to the
// in-memory store when DATABASE_URL is unset or memory://.
func openStore(ctx context.Context, cfg *config.Config) (metadata.Store, *postgres.Store) {
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory://" {
		logging.Warn("DATABASE_URL not set, using the in-memory store; nothing survives a restart")
		return memory.New(), nil
	}

	logging.Info("connecting to PostgreSQL...")
	pg, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	logging.Info("running migrations...")
	if err := pg.Migrate(ctx); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}
	return pg, pg
}

// seedSettings writes MAX_UPLOAD_SIZE into the settings row the first time
// the server starts against a store.
func seedSettings(ctx context.Context, store metadata.Store, cfg *config.Config) {
	cur, err := store.GetSettings(ctx)
	if err != nil {
		logging.Fatal("load settings failed", zap.Error(err))
	}
	if !cur.UpdatedAt.IsZero() {
		return
	}
	cur.MaxUploadSize = cfg.MaxUploadSize
	if err := store.SaveSettings(ctx, cur); err != nil {
		logging.Fatal("seed settings failed", zap.Error(err))
	}
	logging.Info("settings initialized", zap.Int64("max_upload_size", cur.MaxUploadSize))
}
