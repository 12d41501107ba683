package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordCheckResult attaches a verification check outcome to the span.
func RecordCheckResult(span trace.Span, name, status, detail string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("check.name", name),
		attribute.String("check.status", status),
	}
	if detail != "" {
		attrs = append(attrs, attribute.String("check.detail", detail))
	}

	span.AddEvent("check.result", trace.WithAttributes(attrs...))
}

// RecordGateDecision annotates the span with the verification gate outcome.
func RecordGateDecision(span trace.Span, allow bool, reasons []string) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.Bool("gate.allow", allow),
		attribute.Int("gate.reasons.count", len(reasons)),
	)
	if len(reasons) > 0 {
		span.SetAttributes(attribute.StringSlice("gate.reasons", reasons))
	}
	if !allow {
		span.AddEvent("gate.rejected")
	}
}
