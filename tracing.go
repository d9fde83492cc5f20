package livesync

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/LuminPulse-AI/livesync"

// TraceConfig configures NewTracerProvider.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string

	// SampleRate is the fraction of traces recorded. Defaults to 1.0.
	SampleRate float64

	Insecure bool
}

// NewTracerProvider installs a global tracer provider exporting over OTLP
// gRPC. Without an endpoint it installs nothing and the returned shutdown is
// a no-op.
func NewTracerProvider(ctx context.Context, config TraceConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return noop, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = "livesync"
	}
	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

func startRefreshSpan(ctx context.Context, collection string, trigger Trigger) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "livesync.refresh",
		trace.WithAttributes(
			attribute.String("collection", collection),
			attribute.String("trigger", string(trigger)),
		),
	)
}
