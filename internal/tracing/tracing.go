// Package tracing wires OpenTelemetry for the gateway and provides the
// per-turn trace IDs threaded through runtime dispatch. When no OTLP
// endpoint is configured the global tracer provider stays a no-op, so
// instrumentation costs nothing.
package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/nextlevelbuilder/agentgate"

// Setup installs an OTLP/HTTP tracer provider when endpoint is non-empty.
// The returned shutdown flushes pending spans; it is a no-op when tracing
// is disabled.
func Setup(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("agentgate"),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the gateway tracer from the installed provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// NewTraceID mints the opaque trace id stamped onto slash-command contexts
// and published with the slash-command bus events. Distinct from otel span
// ids; consumer frames do not carry it.
func NewTraceID() string {
	return uuid.NewString()
}

// StartTurn opens a span for one conversation turn.
func StartTurn(ctx context.Context, sessionID, adapter string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "session.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("adapter.name", adapter),
		))
}
