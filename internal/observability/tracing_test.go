package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerDisabledWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	if tracer == nil {
		t.Fatalf("expected a tracer even when export is disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown error = %v", err)
	}

	ctx, span := tracer.Start(context.Background(), "test.span")
	if ctx == nil || span == nil {
		t.Fatalf("no-op tracer must still produce spans")
	}
	span.End()
}

func TestTracerSpanHelpers(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "engine-test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.StartToolCall(context.Background(), "run_command")
	span.End()

	_, span = tracer.StartLLMRequest(context.Background(), "anthropic", "claude")
	tracer.RecordError(span, errors.New("stream cut short"))
	span.End()

	// Nil-tolerant.
	tracer.RecordError(nil, errors.New("x"))
	tracer.RecordError(span, nil)
}
