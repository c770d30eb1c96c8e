// Package otelhelper provides distributed tracing for engine runs, commands and jobs.
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
	InstanceIDKey   = "caseflow.instance.id"
	DefinitionIDKey = "caseflow.definition.id"
	DeploymentIDKey = "caseflow.deployment.id"
	ExecutionIDKey  = "caseflow.execution.id"
	ActivityIDKey   = "caseflow.activity.id"
	OperationKey    = "caseflow.operation"
	JobIDKey        = "caseflow.job.id"
	JobTypeKey      = "caseflow.job.type"
	CommandKey      = "caseflow.command"
	WorkerIDKey     = "caseflow.worker.id"
	SignalNameKey   = "caseflow.signal.name"
)

// NewTracer installs an OTLP exporting provider as the global one and returns
// its tracer together with the provider shutdown function.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	provider, err := newTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, nil, err
	}

	return provider.Tracer(serviceName), provider.Shutdown, nil
}

// Tracer returns the named tracer of the global provider, which is a no-op
// until NewTracer installed an exporting one.
//
// nolint:ireturn // Returning interface is intentional for OpenTelemetry tracing
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
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
