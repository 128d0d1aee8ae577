package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "jobvault/queue"

// StartProcessSpan opens a consumer-kind span around one job processing
// attempt.
func StartProcessSpan(ctx context.Context, jobType, jobID string, attempt int) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "queue.process "+jobType, trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("queue.job_type", jobType),
		attribute.String("queue.job_id", jobID),
		attribute.Int("queue.attempt", attempt),
	)
	return ctx, span
}

// StartEnqueueSpan opens a producer-kind span around an enqueue call.
func StartEnqueueSpan(ctx context.Context, jobType string) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "queue.enqueue "+jobType, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("queue.job_type", jobType))
	return ctx, span
}

// RecordError marks the span failed with the error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess marks the span OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
