// Package observability wires OpenTelemetry metrics for the automation
// core: signal ingestion, rule fires, dispatch outcomes, and breaker
// transitions.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "pulse-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the meter provider and the core's instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	signalsIngested    metric.Int64Counter
	ruleFires          metric.Int64Counter
	dispatchOutcomes   metric.Int64Counter
	breakerTransitions metric.Int64Counter
}

// New creates the provider. With Enabled false the instruments hang off
// the global (no-op) meter provider, so callers never nil-check.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: create exporter: %w", err)
		}

		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		))
		if err != nil {
			return nil, fmt.Errorf("observability: build resource: %w", err)
		}

		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(15*time.Second))),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	p.meter = otel.Meter(config.ServiceName)
	var err error
	if p.signalsIngested, err = p.meter.Int64Counter("pulse.signals.ingested",
		metric.WithDescription("Signals accepted by the ingestion boundary")); err != nil {
		return nil, err
	}
	if p.ruleFires, err = p.meter.Int64Counter("pulse.rules.fired",
		metric.WithDescription("Trigger rule fires")); err != nil {
		return nil, err
	}
	if p.dispatchOutcomes, err = p.meter.Int64Counter("pulse.dispatch.outcomes",
		metric.WithDescription("Action dispatch outcomes by result")); err != nil {
		return nil, err
	}
	if p.breakerTransitions, err = p.meter.Int64Counter("pulse.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, err
	}
	return p, nil
}

// SignalIngested counts one accepted signal.
func (p *Provider) SignalIngested(ctx context.Context, sourceType string) {
	p.signalsIngested.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
}

// RuleFired counts one rule fire.
func (p *Provider) RuleFired(ctx context.Context, ruleID string) {
	p.ruleFires.Add(ctx, 1, metric.WithAttributes(attribute.String("rule_id", ruleID)))
}

// DispatchOutcome counts one dispatch result.
func (p *Provider) DispatchOutcome(ctx context.Context, provider, outcome string) {
	p.dispatchOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// BreakerTransition counts one breaker state change.
func (p *Provider) BreakerTransition(ctx context.Context, provider, state string) {
	p.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
