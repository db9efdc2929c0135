// Package telemetry implements the reactor engine's Event Source / Context
// Provider: a per-compute RuntimeContext carrying a correlation id and an
// OpenTelemetry span, so every node compute runs inside its own span.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// RuntimeContext describes one compute with cross-cutting identifiers that
// don't belong in node config: a run-scoped correlation id and the active
// trace span. A plugin's Compute does not receive it; it receives the
// context.Context returned alongside it, which carries the span.
type RuntimeContext struct {
	RunID  string
	NodeID string
	Span   trace.Span
}

// ContextProvider is the Event Source / Context Provider contract: given a
// node about to compute, produce the RuntimeContext for this wave.
type ContextProvider interface {
	NewRuntimeContext(ctx context.Context, runID, nodeID string) (context.Context, RuntimeContext)
}

// OTelContextProvider is the default ContextProvider: it opens one span per
// compute under the given tracer, named after the node id.
type OTelContextProvider struct {
	tracer trace.Tracer
}

// NewOTelContextProvider wraps tracer (typically otel.Tracer("reactor")).
func NewOTelContextProvider(tracer trace.Tracer) *OTelContextProvider {
	return &OTelContextProvider{tracer: tracer}
}

// NewDefault returns a provider backed by the process-global tracer
// provider registered with the otel SDK.
func NewDefault() *OTelContextProvider {
	return NewOTelContextProvider(otel.Tracer("reactor"))
}

func (p *OTelContextProvider) NewRuntimeContext(ctx context.Context, runID, nodeID string) (context.Context, RuntimeContext) {
	spanCtx, span := p.tracer.Start(ctx, nodeID)
	return spanCtx, RuntimeContext{RunID: runID, NodeID: nodeID, Span: span}
}

// NoopContextProvider creates RuntimeContexts with a no-op span, for
// engines that don't want tracing overhead.
type NoopContextProvider struct{}

func (NoopContextProvider) NewRuntimeContext(ctx context.Context, runID, nodeID string) (context.Context, RuntimeContext) {
	return ctx, RuntimeContext{RunID: runID, NodeID: nodeID, Span: trace.SpanFromContext(ctx)}
}
