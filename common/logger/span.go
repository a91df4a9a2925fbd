package logger

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "stagegraph-planner"

// SpanContext pairs a started span with the context carrying it.
type SpanContext struct {
	ctx  context.Context
	span trace.Span
}

// StartSpan starts a child span of whatever trace ctx carries.
//
//	sc := logger.StartSpan(ctx, "processor.plan_steps")
//	defer sc.End()
//	ctx = sc.Context()
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) *SpanContext {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name, opts...)
	return &SpanContext{ctx: ctx, span: span}
}

// StartSpanFromTraceID continues a trace whose id travelled through a queue
// message. An empty or malformed id starts a fresh trace.
func StartSpanFromTraceID(ctx context.Context, traceIDHex string, name string, opts ...trace.SpanStartOption) *SpanContext {
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if traceIDHex == "" || err != nil {
		return StartSpan(ctx, name, opts...)
	}

	remote := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	opts = append(opts, trace.WithLinks(trace.Link{SpanContext: remote}))
	return StartSpan(trace.ContextWithRemoteSpanContext(ctx, remote), name, opts...)
}

// JobSpanAttrs describes the job a span works on.
type JobSpanAttrs struct {
	JobID     int64
	JobType   string
	SessionID string
	StageSlug string
	Attempt   int
}

// StartJobSpan starts a consumer span for one job, continuing traceIDHex when
// present, and tags it with the job coordinates.
func StartJobSpan(ctx context.Context, traceIDHex string, name string, attrs JobSpanAttrs) *SpanContext {
	kv := []attribute.KeyValue{
		attribute.Int64("job.id", attrs.JobID),
		attribute.String("job.type", attrs.JobType),
		attribute.Int("job.attempt", attrs.Attempt),
	}
	if attrs.SessionID != "" {
		kv = append(kv, attribute.String("job.session_id", attrs.SessionID))
	}
	if attrs.StageSlug != "" {
		kv = append(kv, attribute.String("job.stage_slug", attrs.StageSlug))
	}
	return StartSpanFromTraceID(ctx, traceIDHex, name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(kv...))
}

// TraceID returns the hex trace id carried by ctx, or "" when there is none.
// Producers stamp it on queue messages.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func (sc *SpanContext) Context() context.Context {
	return sc.ctx
}

// End is safe to call more than once.
func (sc *SpanContext) End() {
	if sc.span != nil {
		sc.span.End()
	}
}

// RecordError records err and marks the span as failed.
func (sc *SpanContext) RecordError(err error) {
	if sc.span == nil || err == nil {
		return
	}
	sc.span.RecordError(err)
	sc.span.SetStatus(codes.Error, err.Error())
}

// SetAttributes tags the span after it started, e.g. with the outcome of a job.
func (sc *SpanContext) SetAttributes(kv ...attribute.KeyValue) {
	if sc.span != nil {
		sc.span.SetAttributes(kv...)
	}
}

func (sc *SpanContext) Span() trace.Span {
	return sc.span
}
