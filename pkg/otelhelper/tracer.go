// Package otelhelper sets up OpenTelemetry tracing for the engine binaries.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Common attribute keys.
	CompanyIDKey   = "triven.company.id"
	TemplateIDKey  = "triven.template.id"
	InstanceIDKey  = "triven.instance.id"
	StepNumberKey  = "triven.step.number"
	RequestIDKey   = "triven.approval.id"
	DecisionKey    = "triven.approval.decision"
	ActorIDKey     = "triven.actor.id"
	TriggerTypeKey = "triven.trigger.type"
	EntityTypeKey  = "triven.entity.type"
	WorkKindKey    = "triven.work.kind"
	TierKey        = "triven.notification.tier"
)

// InstrumentationName is the tracer name used by engine packages.
const InstrumentationName = "github.com/absamo/triven-workflow"

// Tracer returns the engine tracer from the global provider. It is a no-op
// until NewTracer installs an exporter.
//
// nolint:ireturn
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
// NewTracer installs an OTLP/HTTP exporter as the global provider. The returned
// shutdown flushes pending spans.
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// nolint:ireturn,spancheck // Returning interface is intentional for OpenTelemetry tracing
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func newTracerProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(r),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return tp, nil
}
