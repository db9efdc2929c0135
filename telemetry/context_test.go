package telemetry

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestNoopContextProvider(t *testing.T) {
	p := NoopContextProvider{}
	ctx := context.Background()
	outCtx, rt := p.NewRuntimeContext(ctx, "run-1", "node-1")

	if outCtx != ctx {
		t.Error("noop provider should not derive a new context")
	}
	if rt.RunID != "run-1" || rt.NodeID != "node-1" {
		t.Errorf("unexpected runtime context %+v", rt)
	}
	if rt.Span.SpanContext().IsValid() {
		t.Error("noop provider should hand out a non-recording span")
	}
}

func TestOTelContextProvider_OpensSpanPerCompute(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p := NewOTelContextProvider(tp.Tracer("reactor-test"))
	outCtx, rt := p.NewRuntimeContext(context.Background(), "run-1", "node-1")
	defer rt.Span.End()

	if !rt.Span.SpanContext().IsValid() {
		t.Fatal("expected a real recording span")
	}
	if got := trace.SpanFromContext(outCtx); got != rt.Span {
		t.Error("returned context should carry the opened span")
	}

	// Two computes get distinct spans.
	_, rt2 := p.NewRuntimeContext(context.Background(), "run-1", "node-2")
	defer rt2.Span.End()
	if rt.Span.SpanContext().SpanID() == rt2.Span.SpanContext().SpanID() {
		t.Error("each compute should open its own span")
	}
}

func TestNewDefault(t *testing.T) {
	p := NewDefault()
	if p == nil {
		t.Fatal("NewDefault returned nil")
	}
	_, rt := p.NewRuntimeContext(context.Background(), "run-1", "node-1")
	if rt.NodeID != "node-1" {
		t.Errorf("unexpected runtime context %+v", rt)
	}
}
