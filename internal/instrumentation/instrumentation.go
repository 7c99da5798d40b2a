// Package instrumentation records OpenTelemetry metrics for token requests
// and login callbacks. Without a configured meter provider every
// instrument is a no-op.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgellow/bot-auth-bridge/internal/idp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/dgellow/bot-auth-bridge"

// Config configures Instrumentation.
type Config struct {
	// Enabled records metrics through MeterProvider, or otel.GetMeterProvider()
	// when MeterProvider is nil. Nothing in this module installs a global
	// provider, so unless the embedding process calls otel.SetMeterProvider
	// the measurements are dropped.
	Enabled       bool
	MeterProvider metric.MeterProvider
}

// Instrumentation holds the metric instruments.
type Instrumentation struct {
	tokenRequestsTotal   metric.Int64Counter
	tokenRequestDuration metric.Float64Histogram
	callbacksTotal       metric.Int64Counter
	rateLimitExceeded    metric.Int64Counter
}

// New creates the instruments
func New(cfg Config) (*Instrumentation, error) {
	var provider metric.MeterProvider = noop.NewMeterProvider()
	if cfg.Enabled {
		provider = cfg.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
	}
	meter := provider.Meter(meterName)

	inst := &Instrumentation{}
	var err error

	inst.tokenRequestsTotal, err = meter.Int64Counter(
		"bot_auth.token_request.total",
		metric.WithDescription("Number of on-behalf-of token requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_request.total counter: %w", err)
	}

	inst.tokenRequestDuration, err = meter.Float64Histogram(
		"bot_auth.token_request.duration",
		metric.WithDescription("On-behalf-of token request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_request.duration histogram: %w", err)
	}

	inst.callbacksTotal, err = meter.Int64Counter(
		"bot_auth.callback.total",
		metric.WithDescription("Number of browser login callbacks by rendered outcome"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.total counter: %w", err)
	}

	inst.rateLimitExceeded, err = meter.Int64Counter(
		"bot_auth.rate_limit.exceeded",
		metric.WithDescription("Number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	return inst, nil
}

// TokenRequestComplete records one on-behalf-of exchange.
func (i *Instrumentation) TokenRequestComplete(ctx context.Context, resource string, duration time.Duration, err error) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", TokenOutcome(err)),
	)
	i.tokenRequestsTotal.Add(ctx, 1, attrs)
	i.tokenRequestDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordCallback records a login callback and the page it rendered.
func (i *Instrumentation) RecordCallback(ctx context.Context, outcome string) {
	if i == nil {
		return
	}
	i.callbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRateLimitExceeded records a rejected request.
func (i *Instrumentation) RecordRateLimitExceeded(ctx context.Context, path string) {
	if i == nil {
		return
	}
	i.rateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// TokenOutcome labels the result of a token request.
func TokenOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var pe *idp.ProviderError
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "error"
}
