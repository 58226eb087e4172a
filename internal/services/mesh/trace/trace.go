// Package trace carries W3C trace context through mesh messages and records
// spans for them.
package trace

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/louisbranch/eventmesh/internal/platform/errors"
	"github.com/louisbranch/eventmesh/internal/platform/shutdown"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultServiceName = "eventmesh"
	tracerName         = "github.com/louisbranch/eventmesh/mesh"
)

// Options configure the trace service.
type Options struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP URL. Ignored when Exporter is set.
	Endpoint string
	Exporter sdktrace.SpanExporter
	Logger   zerolog.Logger
}

// Service records message spans. Without an endpoint or exporter it hands out
// non-recording spans but still propagates trace context.
type Service struct {
	exporter   sdktrace.SpanExporter
	processor  sdktrace.SpanProcessor
	provider   *sdktrace.TracerProvider
	tracer     oteltrace.Tracer
	propagator propagation.TextMapPropagator
	logger     zerolog.Logger
}

// New builds the service.
func New(ctx context.Context, opts Options) (*Service, error) {
	svc := &Service{
		propagator: propagation.TraceContext{},
		logger:     opts.Logger,
		tracer:     noop.NewTracerProvider().Tracer(tracerName),
	}

	exporter := opts.Exporter
	if exporter == nil {
		endpoint := strings.TrimSpace(opts.Endpoint)
		if endpoint == "" {
			return svc, nil
		}
		httpExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "create span exporter", err)
		}
		exporter = httpExporter
	}

	serviceName := strings.TrimSpace(opts.ServiceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "create trace resource", err)
	}

	svc.exporter = exporter
	svc.processor = sdktrace.NewBatchSpanProcessor(exporter)
	svc.provider = sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(svc.processor),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	svc.tracer = svc.provider.Tracer(tracerName)
	return svc, nil
}

// ExtractFrom returns ctx carrying the remote span context found in carrier.
func (s *Service) ExtractFrom(ctx context.Context, carrier map[string]string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if carrier == nil {
		return ctx
	}
	return s.propagator.Extract(ctx, propagation.MapCarrier(carrier))
}

// Inject writes the span context of ctx into carrier.
func (s *Service) Inject(ctx context.Context, carrier map[string]string) {
	if ctx == nil || carrier == nil {
		return
	}
	s.propagator.Inject(ctx, propagation.MapCarrier(carrier))
}

// CreateSpan starts a span named name as a child of the span in ctx. A zero
// start uses the current time.
func (s *Service) CreateSpan(ctx context.Context, name string, kind oteltrace.SpanKind, start time.Time) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []oteltrace.SpanStartOption{oteltrace.WithSpanKind(kind)}
	if !start.IsZero() {
		opts = append(opts, oteltrace.WithTimestamp(start))
	}
	return s.tracer.Start(ctx, name, opts...)
}

// ErrShutdown marks trace teardown failures.
var ErrShutdown = errors.New("trace shutdown failed")

// Shutdown stops the provider, the span processor and the exporter. Every
// step runs; the first failure is returned.
func (s *Service) Shutdown(ctx context.Context) error {
	if s == nil || s.provider == nil {
		return nil
	}
	err := shutdown.Run(s.logger,
		shutdown.Step{Name: "trace provider", Close: func() error { return s.provider.Shutdown(ctx) }},
		shutdown.Step{Name: "span processor", Close: func() error { return s.processor.Shutdown(ctx) }},
		shutdown.Step{Name: "span exporter", Close: func() error { return s.exporter.Shutdown(ctx) }},
	)
	if err != nil {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
