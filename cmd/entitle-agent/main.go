package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/platinummonkey/entitle/pkg/client"
	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/observability"
)

var version = "dev"

// The edge agent keeps entitlement snapshots for the users of one site and
// answers permission checks locally, so point-of-sale terminals keep working
// through short outages of the entitlement service.
func main() {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := setupLogger(cfg.Observability.LogLevel.String())
	logger.Info("Starting entitlement edge agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	libLogger := observability.NewLoggerWithFormat(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr).WithField("service", "entitle-agent")
	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), libLogger)
	if err != nil {
		logger.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}
	defer observability.ShutdownOTel(context.Background(), providers, libLogger)

	var metrics *observability.OTelMetrics
	if cfg.Observability.MetricsEnabled {
		var provider otelmetric.MeterProvider
		if providers != nil && providers.MeterProvider != nil {
			provider = providers.MeterProvider
		}
		if metrics, err = observability.NewOTelMetrics(provider); err != nil {
			logger.Fatalf("Failed to create metrics: %v", err)
		}
	}

	health := observability.NewHealthChecker(version)
	store, closeStore, err := openSnapshotStore(ctx, cfg, health)
	if err != nil {
		logger.Fatalf("Failed to open snapshot store: %v", err)
	}
	defer closeStore()

	manager, err := client.NewManager(client.ManagerConfig{
		Template: client.Config{
			Fetcher:         client.NewHTTPFetcher(cfg.ServiceURL, nil),
			Store:           store,
			StalenessWindow: cfg.StalenessWindow,
			MaxAttempts:     cfg.MaxAttempts,
			InitialBackoff:  cfg.InitialBackoff,
			RefreshTimeout:  cfg.RefreshTimeout,
		},
		MaxSessions:  cfg.MaxSessions,
		IdleTTL:      cfg.IdleTTL,
		SweepWorkers: cfg.SweepWorkers,
	}, client.WithLogger(libLogger), client.WithMetrics(metrics))
	if err != nil {
		logger.Fatalf("Failed to create session manager: %v", err)
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.SweepSchedule, func() {
		errs := manager.Sweep(ctx)
		for _, err := range errs {
			logger.Warnf("Staleness sweep: %v", err)
		}
		logger.Debugf("Staleness sweep done, %d sessions, %d failures", manager.Len(), len(errs))
	})
	if err != nil {
		logger.Fatalf("Failed to schedule staleness sweep: %v", err)
	}
	c.Start()
	logger.Infof("Staleness sweep schedule: %s", cfg.SweepSchedule)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           newAgentServer(manager, health, logger).routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("Listening on %s, service at %s", cfg.ListenAddr, cfg.ServiceURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Agent server failed: %v", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal, stopping agent...")
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Agent server shutdown: %v", err)
	}
	<-c.Stop().Done()
	cancel()

	logger.Info("Agent stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// openSnapshotStore builds the configured store and registers its readiness
// check; the returned func releases it
func openSnapshotStore(ctx context.Context, cfg *config.AgentConfig, health *observability.HealthChecker) (client.SnapshotStore, func(), error) {
	switch cfg.SnapshotStore {
	case config.SnapshotStoreFile:
		store, err := client.NewFileStore(cfg.SnapshotDir)
		return store, func() {}, err
	case config.SnapshotStoreRedis:
		rdb, err := client.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		// snapshots still live in memory when redis is down
		health.AddCheck("snapshot_store", false, observability.RedisCheck(rdb))
		return client.NewRedisStore(rdb, cfg.RedisPrefix, cfg.RedisTTL), func() { rdb.Close() }, nil
	}
	return nil, func() {}, nil
}
