package monitor

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerConfig configures Tracer.
type TracerConfig struct {
	ServiceName string
	// SamplingRatio is the fraction of traces recorded, 0 < r <= 1. Defaults
	// to 1 (always sample) when unset.
	SamplingRatio float64
	// Output receives exported spans; defaults to io.Discard, which keeps
	// span construction and propagation live without requiring a collector.
	Output io.Writer
}

// Tracer wraps an OpenTelemetry TracerProvider and satisfies
// workflow.Tracer structurally, spanning step dispatch and coordination
// groups (spec §4.7: tracing/metrics SDK plumbing).
type Tracer struct {
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
}

// NewTracer builds a Tracer backed by the OTel SDK's batch span processor.
func NewTracer(cfg TracerConfig) (*Tracer, error) {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "orchestrator"
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
		sdktrace.WithResource(res),
	)
	return &Tracer{tracer: tp.Tracer(component), tp: tp}, nil
}

// StartSpan opens a span named name with attrs attached, returning the
// derived context and a function that must be called exactly once to close
// the span, recording err on it if non-nil.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(error)) {
	spanCtx, span := t.tracer.Start(ctx, name)
	for k, v := range attrs {
		span.SetAttributes(attribute.String(k, v))
	}
	return spanCtx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// Shutdown flushes and stops the underlying TracerProvider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	return t.tp.Shutdown(ctx)
}
