// Package obstrace bootstraps the process-wide OpenTelemetry tracer
// provider. Tracing is optional and off by default; when enabled it exports spans via OTLP/HTTP.
package obstrace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config bounds the tracer provider. Endpoint is an OTLP/HTTP collector
// address, e.g. "localhost:4318".
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
}

// Provider wraps the SDK tracer provider so main can shut it down.
type Provider struct {
	sdk *sdktrace.TracerProvider
}

// Init sets up the global tracer provider and propagator against an OTLP
// collector and returns a handle for graceful shutdown. Only call this
// when tracing is enabled; the default global tracer provider otherwise
// already no-ops.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{sdk: provider}, nil
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	return p.sdk.Shutdown(ctx)
}
