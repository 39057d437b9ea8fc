package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/entitlements"
	"github.com/platinummonkey/entitle/pkg/httputil"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/policy"
)

var version = "dev"

// bootstrapActor is recorded on entries written by -bootstrap-owner
const bootstrapActor = "system:bootstrap"

func main() {
	bootstrap := flag.String("bootstrap-owner", "",
		"Create or promote an owner before serving, as tenant/user; in the platform tenant the user becomes super_admin")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLoggerWithFormat(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger, *bootstrap); err != nil {
		logger.WithError(err).Error("entitlementd exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, bootstrap string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	trail, err := openAudit(cfg.Audit, db)
	if err != nil {
		store.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	opts := []entitlements.Option{
		entitlements.WithLogger(logger),
		entitlements.WithMetrics(metrics),
		entitlements.WithPlatformTenant(cfg.Catalog.PlatformTenant),
	}

	service := entitlements.NewService(store, opts...)
	admin := entitlements.NewAdmin(store, trail, opts...)

	if _, err := admin.RegisterModules(ctx, entitlements.CatalogActor, entitlements.SystemModule()); err != nil &&
		!errors.Is(err, entitlements.ErrAuditAppend) {
		return fmt.Errorf("failed to register system module: %w", err)
	}

	if cfg.Catalog.Path != "" {
		watcher := entitlements.NewCatalogWatcher(cfg.Catalog.Path, admin, cfg.Catalog.Debounce, opts...)
		if err := watcher.Reload(ctx); err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		if cfg.Catalog.Watch {
			go func() {
				if err := watcher.Run(ctx); err != nil {
					logger.WithError(err).Error("catalog watcher stopped")
				}
			}()
		}
	}

	if bootstrap != "" {
		if err := bootstrapOwner(ctx, admin, bootstrap, cfg.Catalog.PlatformTenant); err != nil {
			return err
		}
		logger.WithField("owner", bootstrap).Info("bootstrap owner ready")
	}

	router := mux.NewRouter()
	router.Use(httputil.RequestIDMiddleware)
	router.Use(httputil.RecoveryMiddleware(logger))
	router.Use(httputil.LoggingMiddleware(logger))
	router.Use(httputil.MaxBytesMiddleware(cfg.Server.MaxBodyBytes))
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	if cfg.Server.RateLimitPerMinute > 0 {
		limiter := httputil.NewRateLimiter(httputil.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimitPerMinute,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.RateLimitBurst,
		}, nil)
		limiter.StartCleanup(ctx)
		router.Use(httputil.RateLimitMiddleware(limiter, actorKey))
	}
	router.Use(entitlements.IdentityMiddleware)
	entitlements.NewHandlers(service, admin, opts...).RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(version)
	health.AddCheck("policy_store", true, store.Ping)
	if db != nil {
		health.AddCheck("database", true, observability.DBCheck(db))
	}

	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, health)
	if cfg.Observability.MetricsEnabled {
		healthRouter.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health_server", healthServer.Shutdown)
	shutdown.RegisterShutdownFunc("catalog_watcher", func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc("audit", func(context.Context) error { return trail.Close() })
	shutdown.RegisterShutdownFunc("policy_store", func(context.Context) error { return store.Close() })
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{server, healthServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}

	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	go func() {
		if err := <-serveErr; err != nil {
			logger.WithError(err).Error("server failed")
			stopWait()
		}
	}()

	return shutdown.WaitForShutdown(waitCtx)
}

func bootstrapOwner(ctx context.Context, admin *entitlements.Admin, owner, platformTenant string) error {
	tenantID, userID, ok := strings.Cut(owner, "/")
	if !ok || tenantID == "" || userID == "" {
		return fmt.Errorf("invalid -bootstrap-owner %q, want tenant/user", owner)
	}
	userType := policy.UserTypeOwner
	if tenantID == platformTenant {
		userType = policy.UserTypeSuperAdmin
	}
	err := admin.PutUser(ctx, bootstrapActor, policy.User{ID: userID, TenantID: tenantID, Type: userType})
	if err != nil && !errors.Is(err, entitlements.ErrAuditAppend) {
		return fmt.Errorf("failed to bootstrap owner: %w", err)
	}
	return nil
}

// actorKey limits each gateway-asserted actor separately and anonymous
// callers by address
func actorKey(r *http.Request) string {
	if actor := r.Header.Get(entitlements.ActorHeader); actor != "" {
		return r.Header.Get(entitlements.TenantHeader) + "/" + actor
	}
	return "ip:" + httputil.ClientIP(r)
}
