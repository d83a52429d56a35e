package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for relay spans and metrics.
var (
	AttrAgentID      = attribute.Key("relay.agent.id")
	AttrTaskID       = attribute.Key("relay.task.id")
	AttrTaskStatus   = attribute.Key("relay.task.status")
	AttrHandoffID    = attribute.Key("relay.handoff.id")
	AttrOutcome      = attribute.Key("relay.outcome")
	AttrProbe        = attribute.Key("relay.probe")
	AttrSessionID    = attribute.Key("relay.session.id")
	AttrDeployStatus = attribute.Key("relay.deployment.status")
)

// StartSpan starts an internal span. Pair with EndSpan in a defer that sees
// the named error return.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
