package otelhelper

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError records err on the span and marks the span failed. The attributes
// describe the failing entity, e.g. the execution an operation ran on.
// A nil err leaves the span untouched.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}
