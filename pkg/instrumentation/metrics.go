package instrumentation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/elm-review-bot/elm-oauth-middleware"

const (
	OutcomeRejected           = "rejected"
	OutcomeSuccess            = "success"
	OutcomeExchangeError      = "exchange_error"
	OutcomeAuthorizationError = "authorization_error"
)

// Metrics holds the relay's metric instruments. A nil *Metrics records
// nothing, so components can be used without instrumentation.
type Metrics struct {
	requests         metric.Int64Counter
	reloads          metric.Int64Counter
	exchangeDuration metric.Float64Histogram
}

// New creates the metric instruments on the given provider, or on the global
// otel provider when provider is nil.
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"relay.requests",
		metric.WithDescription("Number of redirect requests handled, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.requests counter: %w", err)
	}

	m.reloads, err = meter.Int64Counter(
		"relay.config.reloads",
		metric.WithDescription("Number of configuration reload attempts, by result"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.config.reloads counter: %w", err)
	}

	m.exchangeDuration, err = meter.Float64Histogram(
		"relay.exchange.duration",
		metric.WithDescription("Token exchange duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay.exchange.duration histogram: %w", err)
	}

	return m, nil
}

// RecordRequest counts a handled request
func (m *Metrics) RecordRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReload counts a configuration reload attempt
func (m *Metrics) RecordReload(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.reloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordExchange records how long a token exchange took
func (m *Metrics) RecordExchange(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.exchangeDuration.Record(ctx, float64(duration.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}
