// Package tracing provides OpenTelemetry spans for transitions and batch jobs.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of the visit engine.
const TracerName = "github.com/warp/visit-engine"

var tracer = otel.Tracer(TracerName)

// GetTracer returns the package tracer.
func GetTracer() trace.Tracer {
	return tracer
}

// SetTracer swaps the tracer, used by tests.
func SetTracer(t trace.Tracer) {
	tracer = t
}

var (
	AttrOwnerID    = attribute.Key("visit.owner.id")
	AttrWaypointID = attribute.Key("visit.waypoint.id")
	AttrRouteID    = attribute.Key("visit.route.id")
	AttrAction     = attribute.Key("visit.transition.action")
	AttrFromStatus = attribute.Key("visit.transition.from")
	AttrToStatus   = attribute.Key("visit.transition.to")
	AttrJob        = attribute.Key("visit.job.name")
	AttrRunID      = attribute.Key("visit.job.run_id")
	AttrProcessed  = attribute.Key("visit.job.processed")
	AttrFailures   = attribute.Key("visit.job.failures")
)

// StartTransitionSpan starts a span around one waypoint transition.
func StartTransitionSpan(ctx context.Context, owner, waypointID, action string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "waypoint.transition",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrOwnerID.String(owner),
			AttrWaypointID.String(waypointID),
			AttrAction.String(action),
		),
	)
}

// StartJobSpan starts a span around one batch run.
func StartJobSpan(ctx context.Context, job, runID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "job."+job,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrJob.String(job),
			AttrRunID.String(runID),
		),
	)
}

// StartDeriveSpan starts a span around a billing derivation.
func StartDeriveSpan(ctx context.Context, owner string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "billing.derive",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrOwnerID.String(owner)),
	)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End closes span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}
