// Package otel wires the process-wide OpenTelemetry tracer provider.
package otel

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Env names read by Setup.
const (
	EnvEndpoint = "EVENTMESH_OTEL_ENDPOINT"
	EnvEnabled  = "EVENTMESH_OTEL_ENABLED"
)

// Enabled reports whether tracing export is configured for this process.
func Enabled() bool {
	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return false
	}
	return strings.TrimSpace(os.Getenv(EnvEndpoint)) != ""
}

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when EVENTMESH_OTEL_ENDPOINT is empty or
// EVENTMESH_OTEL_ENABLED is "false", Setup returns a no-op shutdown function
// and no global provider is registered. The W3C trace-context propagator is
// always installed so trace headers carried on mesh messages survive hops
// through processes that do not export.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	otel.SetTextMapPropagator(propagation.TraceContext{})
	if !Enabled() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(strings.TrimSpace(os.Getenv(EnvEndpoint))),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
