// Package observability provides structured logging, Prometheus and
// OpenTelemetry metrics, tracing setup, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("entitlements resolved")
//
// FromContext annotates the context logger with the request ID, acting user
// and tenant placed there by the HTTP middleware.
//
// # Metrics
//
// The server exposes Prometheus metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveResolution(observability.OutcomeOK, elapsed)
//	router.Handle("/metrics", observability.MetricsHandler(registry))
//
// The client cache records OpenTelemetry instruments through OTelMetrics.
// Both metric types accept a nil receiver.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("policy_store", true, store.Ping)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//	ctx, span := observability.Tracer().Start(ctx, "GetEntitlements")
package observability
