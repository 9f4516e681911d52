package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome classifies how the filter finished a request.
type Outcome string

// Filter outcomes.
const (
	OutcomeTransformed Outcome = "transformed"
	OutcomeReplayed    Outcome = "replayed"
	OutcomeForwarded   Outcome = "forwarded"
	OutcomeFailed      Outcome = "failed"
)

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	requestCounter      metric.Int64Counter
	emptyCaptureCounter metric.Int64Counter
	failureCounter      metric.Int64Counter
	transformLatency    metric.Float64Histogram
	capturedBytesHist   metric.Int64Histogram
	renderedBytesHist   metric.Int64Histogram
	compileCounter      metric.Int64Counter
)

// TransformMetrics captures the fields needed to record one filtered request.
type TransformMetrics struct {
	Route         string
	Engine        string
	Outcome       Outcome
	Duration      time.Duration
	CapturedBytes int
	RenderedBytes int
}

// RecordTransformMetrics emits counters and histograms that describe one pass
// through the filter.
func RecordTransformMetrics(ctx context.Context, m TransformMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("render.route", m.Route),
		attribute.String("render.engine", m.Engine),
		attribute.String("render.outcome", string(m.Outcome)),
	)

	requestCounter.Add(ctx, 1, attrs)

	switch m.Outcome {
	case OutcomeReplayed, OutcomeForwarded:
		emptyCaptureCounter.Add(ctx, 1, attrs)
		return
	case OutcomeFailed:
		failureCounter.Add(ctx, 1, attrs)
	}

	if m.Duration > 0 {
		transformLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	capturedBytesHist.Record(ctx, int64(m.CapturedBytes), attrs)
	if m.Outcome == OutcomeTransformed {
		renderedBytesHist.Record(ctx, int64(m.RenderedBytes), attrs)
	}
}

// RecordCompile counts a route compilation attempt.
func RecordCompile(ctx context.Context, engine string, ok bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	compileCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("render.engine", engine),
		attribute.Bool("render.compile.ok", ok),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.render")

		requestCounter, metricsInitErr = meter.Int64Counter(
			"render.requests_total",
			metric.WithDescription("Requests handled by the transform filter partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		emptyCaptureCounter, metricsInitErr = meter.Int64Counter(
			"render.empty_captures_total",
			metric.WithDescription("Requests whose downstream handler wrote no bytes to the capture"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		failureCounter, metricsInitErr = meter.Int64Counter(
			"render.failures_total",
			metric.WithDescription("Transform executions that failed"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		compileCounter, metricsInitErr = meter.Int64Counter(
			"render.compiles_total",
			metric.WithDescription("Transform compilations partitioned by engine and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		transformLatency, metricsInitErr = meter.Float64Histogram(
			"render.transform.duration_ms",
			metric.WithDescription("Observed transform execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		capturedBytesHist, metricsInitErr = meter.Int64Histogram(
			"render.capture.size_bytes",
			metric.WithDescription("Bytes captured from the downstream handler"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		renderedBytesHist, metricsInitErr = meter.Int64Histogram(
			"render.output.size_bytes",
			metric.WithDescription("Bytes written after transformation"),
			metric.WithUnit("By"),
		)
	})

	return metricsInitErr
}
