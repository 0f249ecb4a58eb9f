package cli

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/petal-labs/stepflow/kernel"
)

// setupTracing wires an OTLP/HTTP span exporter behind the kernel's
// Tracer surface. endpoint is host:port of an OTLP collector; the
// returned shutdown flushes buffered spans and must be called before the
// process exits.
func setupTracing(ctx context.Context, endpoint string) (kernel.Tracer, func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("stepflow"),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("cli: otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return kernel.NewTracer(tp.Tracer("stepflow")), tp.Shutdown, nil
}
