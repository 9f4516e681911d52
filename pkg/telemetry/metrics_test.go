package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func TestRecordTransformMetrics(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordTransformMetrics(ctx, TransformMetrics{
		Route:         "/reports/",
		Engine:        "template",
		Outcome:       OutcomeTransformed,
		Duration:      150 * time.Millisecond,
		CapturedBytes: 42,
		RenderedBytes: 7,
	})

	metrics := collectMetrics(t, reader)

	requests, ok := metrics["render.requests_total"]
	if !ok {
		t.Fatalf("missing render.requests_total metric")
	}
	reqData, ok := requests.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for requests metric")
	}
	if len(reqData.DataPoints) != 1 || reqData.DataPoints[0].Value != 1 {
		t.Fatalf("expected a single request datapoint of 1, got %+v", reqData.DataPoints)
	}
	if value, ok := reqData.DataPoints[0].Attributes.Value(attribute.Key("render.route")); !ok || value.AsString() != "/reports/" {
		t.Fatalf("expected render.route attribute /reports/, got %v", value)
	}

	hist, ok := metrics["render.transform.duration_ms"]
	if !ok {
		t.Fatalf("missing render.transform.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}

	rendered, ok := metrics["render.output.size_bytes"]
	if !ok {
		t.Fatalf("missing render.output.size_bytes metric")
	}
	if sum := rendered.Data.(metricdata.Histogram[int64]).DataPoints[0].Sum; sum != 7 {
		t.Fatalf("expected rendered bytes 7, got %d", sum)
	}

	if _, ok := metrics["render.empty_captures_total"]; ok {
		t.Fatalf("empty capture counter recorded for a transformed request")
	}
}

func TestRecordTransformMetricsEmptyCapture(t *testing.T) {
	reader := installReader(t)
	ctx := context.Background()

	RecordTransformMetrics(ctx, TransformMetrics{Route: "/a", Engine: "template", Outcome: OutcomeReplayed})
	RecordTransformMetrics(ctx, TransformMetrics{Route: "/a", Engine: "template", Outcome: OutcomeForwarded})

	metrics := collectMetrics(t, reader)

	empty, ok := metrics["render.empty_captures_total"]
	if !ok {
		t.Fatalf("missing render.empty_captures_total metric")
	}
	var total int64
	for _, dp := range empty.Data.(metricdata.Sum[int64]).DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 empty captures, got %d", total)
	}

	if _, ok := metrics["render.capture.size_bytes"]; ok {
		t.Fatalf("capture size recorded for an empty capture")
	}
}

func TestRecordCompile(t *testing.T) {
	reader := installReader(t)

	RecordCompile(context.Background(), "rego", false)

	metrics := collectMetrics(t, reader)
	compiles, ok := metrics["render.compiles_total"]
	if !ok {
		t.Fatalf("missing render.compiles_total metric")
	}
	dp := compiles.Data.(metricdata.Sum[int64]).DataPoints[0]
	if value, ok := dp.Attributes.Value(attribute.Key("render.compile.ok")); !ok || value.AsBool() {
		t.Fatalf("expected render.compile.ok false, got %v", value)
	}
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
	})

	_, span := StartSpan(context.Background(), "render.filter", attribute.String("render.route", "/x"))
	RecordOutcome(span, OutcomeTransformed, 10, 4, "text/html")
	EndSpan(span, nil)

	_, failed := StartSpan(context.Background(), "render.filter")
	RecordOutcome(failed, OutcomeReplayed, 0, 0, "")
	EndSpan(failed, errors.New("boom"))

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("render.output.media_type")); !ok || value.AsString() != "text/html" {
		t.Fatalf("expected media type attribute text/html, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("render.output.size")); !ok || value.AsInt64() != 4 {
		t.Fatalf("expected output size 4, got %v", value)
	}

	if spans[1].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", spans[1].Status().Code)
	}
	events := spans[1].Events()
	if len(events) != 2 {
		t.Fatalf("expected empty capture and exception events, got %d", len(events))
	}
	if events[0].Name != "render.empty_capture" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}
