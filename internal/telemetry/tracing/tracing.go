// Package tracing wires the daemon's check/fix invocations into an
// OpenTelemetry trace provider, zero-config by default.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Options configures the trace provider.
type Options struct {
	ServiceName string
}

// NewProvider returns an SDK TracerProvider. Callers layer on an exporter
// (stdout/otlp) via trace.WithBatcher before traffic starts; with none
// attached spans are recorded but not exported.
func NewProvider(opts Options) *trace.TracerProvider {
	name := opts.ServiceName
	if name == "" {
		name = "contrail-healer"
	}
	res := sdkresource.NewSchemaless(attribute.String("service.name", name))
	tp := trace.NewTracerProvider(trace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp
}

// Tracer returns the daemon-wide tracer used to wrap check/fix calls.
func Tracer() oteltrace.Tracer { return otel.Tracer("github.com/cloudwatt/contrail-healer-go") }

// StartCheckSpan starts a span around a single healer.Check invocation.
func StartCheckSpan(ctx context.Context, resourceType string, operation string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "healer.check", oteltrace.WithAttributes(
		attribute.String("resource_type", resourceType),
		attribute.String("operation", operation),
	))
}

// StartFixSpan starts a span around a single healer.Fix invocation.
func StartFixSpan(ctx context.Context, resourceType string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "healer.fix", oteltrace.WithAttributes(
		attribute.String("resource_type", resourceType),
	))
}

// Shutdown flushes and stops the provider; safe to call with a nil provider.
func Shutdown(ctx context.Context, tp *trace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}
