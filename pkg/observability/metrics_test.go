package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveResolution(OutcomeOK, 2*time.Millisecond)
	m.ObserveResolution(OutcomeError, time.Millisecond)
	m.ObserveDecision("user_denial", false)
	m.IncUnknownCode()
	m.SetCatalogVersion(7)
	m.ObserveCatalogReload(errors.New("cycle"))
	m.ObserveAuditAppend(nil)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues(OutcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues(OutcomeError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("user_denial", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UnknownCodesTotal))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.CatalogVersion))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CatalogReloadsTotal.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AuditAppendsTotal.WithLabelValues("success")))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveResolution(OutcomeOK, time.Millisecond)
		m.ObserveDecision("role", true)
		m.IncUnknownCode()
		m.SetCatalogVersion(1)
		m.ObserveCatalogReload(nil)
		m.ObserveAuditAppend(nil)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/tenant/{tenantId}/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	router.Handle("/metrics", MetricsHandler(registry))

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tenant/t1/ping", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tenant/t2/ping", nil))

	// both tenants collapse onto the route template
	assert.Equal(t, float64(2), testutil.ToFloat64(
		m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/tenant/{tenantId}/ping", "418")))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "entitle_http_requests_total"))
}
