package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	probeAttemptCounter     metric.Int64Counter
	probeLatencyHistogram   metric.Float64Histogram
	serviceReadyHistogram   metric.Float64Histogram
	composeCommandCounter   metric.Int64Counter
	composeLatencyHistogram metric.Float64Histogram
)

// ProbeAttempt captures one readiness probe against a service.
type ProbeAttempt struct {
	Service  string
	Kind     string
	Ready    bool
	Duration time.Duration
}

// RecordProbeAttempt counts a readiness probe and observes its latency.
func RecordProbeAttempt(ctx context.Context, attempt ProbeAttempt) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "not_ready"
	if attempt.Ready {
		outcome = "ready"
	}
	attrs := metric.WithAttributes(
		attribute.String("service.name", attempt.Service),
		attribute.String("probe.kind", attempt.Kind),
		attribute.String("probe.outcome", outcome),
	)

	probeAttemptCounter.Add(ctx, 1, attrs)
	if attempt.Duration > 0 {
		probeLatencyHistogram.Record(ctx, float64(attempt.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordServiceReady observes how long a service took to become ready.
func RecordServiceReady(ctx context.Context, service string, elapsed time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}
	serviceReadyHistogram.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("service.name", service)))
}

// RecordComposeCommand counts a compose CLI invocation.
func RecordComposeCommand(ctx context.Context, command string, ok bool, d time.Duration) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("compose.command", command),
		attribute.Bool("compose.success", ok),
	)
	composeCommandCounter.Add(ctx, 1, attrs)
	composeLatencyHistogram.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// ComposeMetrics adapts RecordComposeCommand to the compose runner.
type ComposeMetrics struct{}

// RecordCommand implements compose.CommandMetrics.
func (ComposeMetrics) RecordCommand(command string, ok bool, d time.Duration) {
	RecordComposeCommand(context.Background(), command, ok, d)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dataharness")

		probeAttemptCounter, metricsInitErr = meter.Int64Counter(
			"dataharness.probe.attempts_total",
			metric.WithDescription("Readiness probe attempts partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		probeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dataharness.probe.duration_ms",
			metric.WithDescription("Observed readiness probe latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		serviceReadyHistogram, metricsInitErr = meter.Float64Histogram(
			"dataharness.service.ready_seconds",
			metric.WithDescription("Time from wait start until a service reported ready"),
			metric.WithUnit("s"),
		)
		if metricsInitErr != nil {
			return
		}

		composeCommandCounter, metricsInitErr = meter.Int64Counter(
			"dataharness.compose.commands_total",
			metric.WithDescription("Compose CLI invocations partitioned by command and result"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		composeLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dataharness.compose.duration_ms",
			metric.WithDescription("Compose CLI invocation latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
