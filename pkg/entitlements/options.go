package entitlements

import (
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/entitle/pkg/observability"
)

type options struct {
	clock   clockwork.Clock
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	platformTenant string
}

// Option configures a Service, Admin or Handler
type Option func(*options)

// WithClock sets the clock used to stamp snapshots and evaluate trials
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer; the module tracer is used by default
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithPlatformTenant names the tenant whose super_admins may change the
// module catalog through the HTTP API
func WithPlatformTenant(tenantID string) Option {
	return func(o *options) { o.platformTenant = tenantID }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
		tracer: observability.Tracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
