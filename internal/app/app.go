package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/nodemesh/controlplane/internal/audit"
	"github.com/nodemesh/controlplane/internal/config"
	"github.com/nodemesh/controlplane/internal/httpserver"
	"github.com/nodemesh/controlplane/internal/join"
	"github.com/nodemesh/controlplane/internal/notify"
	"github.com/nodemesh/controlplane/internal/platform"
	"github.com/nodemesh/controlplane/internal/plugin"
	"github.com/nodemesh/controlplane/internal/results"
	"github.com/nodemesh/controlplane/internal/store"
	"github.com/nodemesh/controlplane/internal/telemetry"
)

// Run is the control plane's entry point: it reads configuration, connects
// to infrastructure, wires the Hash-Chain Store, Audit Pipeline, Join
// Controller, results endpoint, and Plugin Substrate together, and serves
// HTTP until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting control plane",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	pgStore := store.NewPGStore(db)
	cache := store.NewCache(pgStore, rdb, logger)

	auditCfg := audit.Config{
		PartitionCount:        cfg.AuditPartitionCount,
		BatchSize:             cfg.AuditBatchSize,
		FlushInterval:         time.Duration(cfg.AuditFlushIntervalMs) * time.Millisecond,
		AnchorInterval:        time.Duration(cfg.AuditAnchorIntervalMs) * time.Millisecond,
		BacklogSoftLimit:      cfg.AuditBacklogSoftLimit,
		BacklogHardLimit:      cfg.AuditBacklogHardLimit,
		LeaseDuration:         time.Duration(cfg.AuditLeaseDurationMs) * time.Millisecond,
		MaxRetryAttempts:      cfg.AuditMaxRetryAttempts,
		HMACSecret:            []byte(cfg.AuditHMACSecret),
		HMACKeyID:             cfg.AuditHMACKeyID,
		EnableBackgroundLoops: cfg.AuditEnableBackgroundLoops,
	}
	pipeline := audit.New(cache, auditCfg, logger)
	if err := pipeline.Start(ctx); err != nil {
		return fmt.Errorf("starting audit pipeline: %w", err)
	}
	defer pipeline.Stop()

	notifier := notify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack ops alerting enabled", "channel", cfg.SlackOpsChannel)
	} else {
		logger.Info("slack ops alerting disabled (SLACK_BOT_TOKEN not set)")
	}
	go watchAuditBacklog(ctx, pipeline, auditCfg, notifier, logger)

	var joinCfg join.Config
	if err := env.Parse(&joinCfg); err != nil {
		return fmt.Errorf("parsing join config: %w", err)
	}
	joinCtrl := join.New(cache, pipeline, joinCfg, logger)

	var resultsCfg results.Config
	if err := env.Parse(&resultsCfg); err != nil {
		return fmt.Errorf("parsing results config: %w", err)
	}
	resultsSvc := results.New(pipeline, resultsCfg, logger)

	var pluginCfg plugin.Config
	if err := env.Parse(&pluginCfg); err != nil {
		return fmt.Errorf("parsing plugin config: %w", err)
	}
	eventBus := newAuditEventBus(pipeline, map[string]string{
		"admin.restart": "plugin:admin",
	})
	substrate := plugin.NewSubstrate(plugin.SpawnProcess, newNodeListerAdapter(cache, logger), eventBus, cache, pluginCfg, logger)
	substrate.Manager.SetDestroyedHook(func(pluginID string, restarts int) {
		telemetry.PluginDestroyedTotal.WithLabelValues("restart_budget_exhausted").Inc()
		notifier.PluginDestroyed(context.Background(), pluginID, restarts)
	})
	substrate.Manager.SetRestartHook(func(pluginID string) {
		telemetry.PluginRestartsTotal.WithLabelValues(pluginID).Inc()
	})

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)
	srv.APIRouter.Method(http.MethodPost, "/join", join.NewHandler(joinCtrl, logger))
	srv.APIRouter.Method(http.MethodPost, "/results", results.NewHandler(resultsSvc))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		substrate.Shutdown(context.Background(), nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// watchAuditBacklog polls the pipeline's backlog and raises the ops alert
// once it crosses the hard limit, de-duplicated to one alert per breach.
func watchAuditBacklog(ctx context.Context, pipeline *audit.Pipeline, cfg audit.Config, notifier *notify.Notifier, logger *slog.Logger) {
	if !notifier.IsEnabled() {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	alerted := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backlog := pipeline.Backlog()
			switch {
			case backlog >= cfg.BacklogHardLimit && !alerted:
				alerted = true
				notifier.AuditBackpressure(ctx, backlog, cfg.BacklogHardLimit)
			case backlog < cfg.BacklogHardLimit:
				alerted = false
			}
		}
	}
}
