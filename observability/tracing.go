// Package observability owns the process-wide OpenTelemetry TracerProvider.
// Every span the gateway creates — adapter sends in destination, pixel
// classification calls in anonymize — goes through otel.Tracer() against
// whatever provider this package installs; with telemetry disabled that's
// the SDK's default no-op provider, so tracing stays strictly opt-in.
package observability

import (
	"context"
	"fmt"
	"time"

	"github.com/dicomflow/gateway/config"
	"github.com/dicomflow/gateway/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Tracing wraps the SDK TracerProvider installed as the process global so
// Shutdown can flush and release it during gateway shutdown.
type Tracing struct {
	provider *sdktrace.TracerProvider
}

// Noop leaves the global otel TracerProvider untouched — every otel.Tracer()
// call in the gateway resolves to the SDK's built-in no-op implementation.
func Noop() *Tracing {
	return &Tracing{}
}

// Start installs a TracerProvider built from cfg as the global provider.
// cfg.Exporter selects between the two trace exporters the gateway
// depends on: "stdout" or an empty value writes spans to the process's
// standard output (useful for local runs), anything else is treated as
// "otlp" and batches spans to cfg.OTLPEndpoint over gRPC. Start returns Noop() unchanged when cfg.Enabled is false.
func Start(ctx context.Context, cfg config.TelemetryConfig, logger core.Logger) (*Tracing, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "dicom-gateway"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	exporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observability: build %s exporter: %w", cfg.Exporter, err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", map[string]interface{}{
		"service":  serviceName,
		"exporter": cfg.Exporter,
	})

	return &Tracing{provider: provider}, nil
}

func newTraceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == "stdout" || cfg.Exporter == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
}

// Shutdown flushes any pending spans and releases the TracerProvider. It
// is a no-op on a Tracing returned by Noop() or when Start never ran.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(shutdownCtx)
}
