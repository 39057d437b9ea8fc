package client

import (
	"github.com/jonboulle/clockwork"

	"github.com/platinummonkey/entitle/pkg/observability"
)

type options struct {
	clock   clockwork.Clock
	logger  *observability.Logger
	metrics *observability.OTelMetrics
}

// Option configures a Session or Manager
type Option func(*options)

// WithClock sets the clock used for staleness and retry backoff
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *observability.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the OpenTelemetry instruments; nil disables recording
func WithMetrics(m *observability.OTelMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
