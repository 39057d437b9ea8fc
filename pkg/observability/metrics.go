package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Resolution outcomes
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Metrics holds all Prometheus metrics of the entitlement server. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	DecisionsTotal     *prometheus.CounterVec
	UnknownCodesTotal  prometheus.Counter

	// Catalog metrics
	CatalogVersion      prometheus.Gauge
	CatalogReloadsTotal *prometheus.CounterVec

	// Audit metrics
	AuditAppendsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "entitle_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_resolutions_total",
				Help: "Total number of entitlement resolutions by outcome",
			},
			[]string{"outcome"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "entitle_resolution_duration_seconds",
				Help:    "Time to load facts and resolve a full entitlement snapshot",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_decisions_total",
				Help: "Single permission checks by deciding tier and outcome",
			},
			[]string{"tier", "allowed"},
		),
		UnknownCodesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "entitle_unknown_permission_codes_total",
				Help: "Checks that named a permission code absent from the catalog",
			},
		),

		CatalogVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "entitle_catalog_version",
				Help: "Version of the module catalog currently served",
			},
		),
		CatalogReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_catalog_reloads_total",
				Help: "Catalog file reloads by status",
			},
			[]string{"status"},
		),

		AuditAppendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "entitle_audit_appends_total",
				Help: "Audit entries appended by status",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.DecisionsTotal,
		m.UnknownCodesTotal,
		m.CatalogVersion,
		m.CatalogReloadsTotal,
		m.AuditAppendsTotal,
	)

	return m
}

// ObserveResolution records one GetEntitlements call
func (m *Metrics) ObserveResolution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
	m.ResolutionDuration.Observe(d.Seconds())
}

// ObserveDecision records one permission check
func (m *Metrics) ObserveDecision(tier string, allowed bool) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(tier, strconv.FormatBool(allowed)).Inc()
}

// IncUnknownCode counts a check against a code missing from the catalog
func (m *Metrics) IncUnknownCode() {
	if m == nil {
		return
	}
	m.UnknownCodesTotal.Inc()
}

// SetCatalogVersion publishes the served catalog version
func (m *Metrics) SetCatalogVersion(v int64) {
	if m == nil {
		return
	}
	m.CatalogVersion.Set(float64(v))
}

// ObserveCatalogReload records the outcome of a catalog file reload
func (m *Metrics) ObserveCatalogReload(err error) {
	if m == nil {
		return
	}
	m.CatalogReloadsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveAuditAppend records the outcome of an audit append
func (m *Metrics) ObserveAuditAppend(err error) {
	if m == nil {
		return
	}
	m.AuditAppendsTotal.WithLabelValues(statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
