package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskcore spans.
var (
	AttrTaskID     = attribute.Key("taskcore.task.id")
	AttrSessionID  = attribute.Key("taskcore.session.id")
	AttrStrategy   = attribute.Key("taskcore.strategy")
	AttrStatus     = attribute.Key("taskcore.status")
	AttrToolName   = attribute.Key("taskcore.tool.name")
	AttrRiskLevel  = attribute.Key("taskcore.risk.level")
	AttrNodeID     = attribute.Key("taskcore.graph.node")
	AttrAgent      = attribute.Key("taskcore.graph.agent")
	AttrSnapshotID = attribute.Key("taskcore.snapshot.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartProducerSpan starts a span for publishing to an external broker.
func StartProducerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
}
