package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
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

func installMeterProvider(t *testing.T) *sdkmetric.ManualReader {
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

func TestRecordProbeAttempt(t *testing.T) {
	reader := installMeterProvider(t)
	ctx := context.Background()

	RecordProbeAttempt(ctx, ProbeAttempt{Service: "gmdata", Kind: "http", Ready: false, Duration: 20 * time.Millisecond})
	RecordProbeAttempt(ctx, ProbeAttempt{Service: "gmdata", Kind: "http", Ready: true, Duration: 30 * time.Millisecond})
	RecordServiceReady(ctx, "gmdata", 21*time.Second)

	metrics := collectMetrics(t, reader)

	attempts, ok := metrics["dataharness.probe.attempts_total"]
	if !ok {
		t.Fatalf("missing dataharness.probe.attempts_total metric")
	}
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for attempts metric")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints (ready, not_ready), got %d", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		if value, ok := dp.Attributes.Value(attribute.Key("service.name")); !ok || value.AsString() != "gmdata" {
			t.Fatalf("expected service.name gmdata, got %v", value)
		}
	}

	hist, ok := metrics["dataharness.probe.duration_ms"]
	if !ok {
		t.Fatalf("missing dataharness.probe.duration_ms metric")
	}
	var total float64
	for _, dp := range hist.Data.(metricdata.Histogram[float64]).DataPoints {
		total += dp.Sum
	}
	if total != 50 {
		t.Fatalf("expected probe latency sum 50, got %v", total)
	}

	ready, ok := metrics["dataharness.service.ready_seconds"]
	if !ok {
		t.Fatalf("missing dataharness.service.ready_seconds metric")
	}
	if got := ready.Data.(metricdata.Histogram[float64]).DataPoints[0].Sum; got != 21 {
		t.Fatalf("expected ready sum 21, got %v", got)
	}
}

func TestComposeMetrics(t *testing.T) {
	reader := installMeterProvider(t)

	ComposeMetrics{}.RecordCommand("up", true, 2*time.Second)

	metrics := collectMetrics(t, reader)
	commands, ok := metrics["dataharness.compose.commands_total"]
	if !ok {
		t.Fatalf("missing dataharness.compose.commands_total metric")
	}
	dp := commands.Data.(metricdata.Sum[int64]).DataPoints[0]
	if dp.Value != 1 {
		t.Fatalf("expected 1 compose command, got %d", dp.Value)
	}
	if value, ok := dp.Attributes.Value(attribute.Key("compose.command")); !ok || value.AsString() != "up" {
		t.Fatalf("expected compose.command up, got %v", value)
	}
}

func TestRecordCheckResultAndGateDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "verify")
	RecordCheckResult(span, "topics", "fail", "missing world-audit")
	RecordGateDecision(span, false, []string{"topics failed"})
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "check.result" {
		t.Fatalf("unexpected event name %q", events[0].Name)
	}
	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(attribute.Key("check.status")); !ok || value.AsString() != "fail" {
		t.Fatalf("expected check.status fail, got %v", value)
	}
	if events[1].Name != "gate.rejected" {
		t.Fatalf("unexpected event name %q", events[1].Name)
	}

	spanAttrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := spanAttrs.Value(attribute.Key("gate.allow")); !ok || value.AsBool() {
		t.Fatalf("expected gate.allow false")
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestProcessTracing_InjectsTraceparent(t *testing.T) {
	prevProp := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prevProp) })

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "up")
	defer span.End()

	env := ProcessTracing{}.InjectProcessEnv(ctx, []string{"PATH=/bin", "TRACEPARENT=stale"})

	var traceparent string
	for _, kv := range env {
		if strings.HasPrefix(kv, "TRACEPARENT=") {
			if traceparent != "" {
				t.Fatalf("TRACEPARENT set twice: %v", env)
			}
			traceparent = strings.TrimPrefix(kv, "TRACEPARENT=")
		}
	}
	if !strings.Contains(traceparent, span.SpanContext().TraceID().String()) {
		t.Fatalf("expected traceparent to carry trace id, got %q", traceparent)
	}

	untouched := ProcessTracing{}.InjectProcessEnv(context.Background(), []string{"PATH=/bin"})
	if len(untouched) != 1 {
		t.Fatalf("expected env unchanged without a span, got %v", untouched)
	}
}
