package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/polisai/polis-render"

// StartSpan starts an internal span on the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
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

// RecordOutcome annotates span with how the filter finished the request.
func RecordOutcome(span trace.Span, outcome Outcome, capturedBytes, renderedBytes int, mediaType string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("render.outcome", string(outcome)),
		attribute.Int("render.capture.size", capturedBytes),
	}
	if outcome == OutcomeTransformed {
		attrs = append(attrs,
			attribute.Int("render.output.size", renderedBytes),
			attribute.String("render.output.media_type", mediaType),
		)
	}

	span.SetAttributes(attrs...)
	if outcome == OutcomeReplayed || outcome == OutcomeForwarded {
		span.AddEvent("render.empty_capture")
	}
}
