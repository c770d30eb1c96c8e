package otelhelper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("otelhelper-test")

	_, failed := tracer.Start(context.Background(), "failed")
	SetError(failed, errors.New("lock lost"), attribute.String(JobIDKey, "job-1"))
	failed.End()

	_, clean := tracer.Start(context.Background(), "clean")
	SetError(clean, nil)
	clean.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "lock lost", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
	assert.Contains(t, spans[0].Events()[0].Attributes, attribute.String(JobIDKey, "job-1"))

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
	assert.Empty(t, spans[1].Events())
}
