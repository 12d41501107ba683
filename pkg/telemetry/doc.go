// Package telemetry wires OpenTelemetry tracing and metric instruments for the
// harness.
//
// It sets up the OTLP trace exporter, records probe and compose command
// metrics through the global MeterProvider, propagates trace context into the
// compose CLI environment, and annotates spans with verification outcomes.
package telemetry
