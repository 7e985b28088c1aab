package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestWithTraceContextNoSpan(t *testing.T) {
	logger := NewLoggerIPFS("test")
	assert.Same(t, logger, WithTraceContext(context.Background(), logger))
}

func TestWithTraceContextAnnotatesIDs(t *testing.T) {
	logger := NewLoggerIPFS("test")
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x01},
		SpanID:  trace.SpanID{0x02},
	})
	require.True(t, spanCtx.IsValid())
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	annotated, ok := WithTraceContext(ctx, logger).(*ipfsLogger)
	require.True(t, ok)
	assert.Contains(t, annotated.commonKeysAndValues, "traceId")
	assert.Contains(t, annotated.commonKeysAndValues, spanCtx.TraceID().String())
	assert.Contains(t, annotated.commonKeysAndValues, "spanId")
	assert.Contains(t, annotated.commonKeysAndValues, spanCtx.SpanID().String())
}
