package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds the OpenTelemetry instruments recorded by the client
// entitlement cache. A nil *OTelMetrics is valid and records nothing.
type OTelMetrics struct {
	cacheQueries    metric.Int64Counter
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	snapshotAge     metric.Float64Histogram
}

// NewOTelMetrics creates the client instruments on provider, falling back to
// the global meter provider when provider is nil
func NewOTelMetrics(provider metric.MeterProvider) (*OTelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("github.com/platinummonkey/entitle/pkg/client")

	m := &OTelMetrics{}
	var err error

	m.cacheQueries, err = meter.Int64Counter(
		"entitle.cache.queries",
		metric.WithDescription("Permission and module queries answered by the client cache"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_queries counter: %w", err)
	}

	m.refreshes, err = meter.Int64Counter(
		"entitle.cache.refreshes",
		metric.WithDescription("Snapshot refresh attempts by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refreshes counter: %w", err)
	}

	m.refreshDuration, err = meter.Float64Histogram(
		"entitle.cache.refresh.duration",
		metric.WithDescription("Snapshot refresh duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh_duration histogram: %w", err)
	}

	m.snapshotAge, err = meter.Float64Histogram(
		"entitle.cache.snapshot.age",
		metric.WithDescription("Age of the snapshot answering a query, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot_age histogram: %w", err)
	}

	return m, nil
}

// RecordQuery records one cache answer together with the state it was answered in
func (m *OTelMetrics) RecordQuery(ctx context.Context, state string, allowed bool, age time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("cache.state", state),
		attribute.Bool("allowed", allowed),
	)
	m.cacheQueries.Add(ctx, 1, attrs)
	if age > 0 {
		m.snapshotAge.Record(ctx, age.Seconds(), metric.WithAttributes(attribute.String("cache.state", state)))
	}
}

// RecordRefresh records one refresh attempt
func (m *OTelMetrics) RecordRefresh(ctx context.Context, trigger string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.Bool("error", err != nil),
	)
	m.refreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}
