package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrator spans.
var (
	AttrRepoKey    = attribute.Key("conductor.repo_key")
	AttrTaskID     = attribute.Key("conductor.task.id")
	AttrUserID     = attribute.Key("conductor.user.id")
	AttrAgentKind  = attribute.Key("conductor.agent.kind")
	AttrToolName   = attribute.Key("conductor.tool.name")
	AttrApprovalID = attribute.Key("conductor.approval.id")
	AttrRoute      = attribute.Key("conductor.route")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound control-plane request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
