// Package tracing sets up OpenTelemetry export for the antifraud service.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Config holds tracing configuration
type Config struct {
	Enabled     bool
	Endpoint    string // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName string
	Environment string
	SampleRate  float64 // 0.0 to 1.0
}

// Sampler returns the parent-based ratio sampler for cfg. Rates outside
// [0,1] are clamped; a zero rate samples nothing.
func (cfg Config) Sampler() sdktrace.Sampler {
	rate := cfg.SampleRate
	switch {
	case rate < 0:
		rate = 0
	case rate > 1:
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Init installs the global tracer provider with OTLP gRPC export and returns
// a shutdown function that flushes pending spans. When tracing is disabled
// the global no-op provider stays in place.
func Init(ctx context.Context, cfg Config, log *zap.Logger) (func(context.Context) error, error) {
	if !cfg.Enabled {
		log.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.Sampler()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info("Tracing initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("service", cfg.ServiceName),
		zap.Float64("sample_rate", cfg.SampleRate))

	return tp.Shutdown, nil
}
