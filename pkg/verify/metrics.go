package verify

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of verification runs
type Metrics struct {
	// Check metrics
	checksTotal   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkStatus   *prometheus.GaugeVec

	// Run metrics
	runsTotal   *prometheus.CounterVec
	lastSuccess prometheus.Gauge
	lastRun     prometheus.Gauge

	// Gate metrics
	gateDecisions *prometheus.CounterVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataharness_checks_total",
				Help: "Total number of verification checks by check and status",
			},
			[]string{"check", "status"},
		),

		checkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataharness_check_duration_seconds",
				Help:    "Duration of verification checks",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"check"},
		),

		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataharness_check_status",
				Help: "Last outcome per check (1 pass, 0 fail, -1 skip)",
			},
			[]string{"check"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataharness_verify_runs_total",
				Help: "Total number of verification runs by result",
			},
			[]string{"result"},
		),

		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataharness_verify_last_success_timestamp_seconds",
				Help: "Unix time of the last run in which every check passed or was skipped",
			},
		),

		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataharness_verify_last_run_timestamp_seconds",
				Help: "Unix time of the last verification run",
			},
		),

		gateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataharness_gate_decisions_total",
				Help: "Total number of gate decisions by outcome",
			},
			[]string{"decision"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataharness_http_requests_total",
				Help: "Total number of monitor HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataharness_http_request_duration_seconds",
				Help:    "Monitor HTTP request duration",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.checksTotal,
		m.checkDuration,
		m.checkStatus,
		m.runsTotal,
		m.lastSuccess,
		m.lastRun,
		m.gateDecisions,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordCheck records one check outcome
func (m *Metrics) RecordCheck(res Result) {
	m.checksTotal.WithLabelValues(res.Name, string(res.Status)).Inc()
	if res.Status != StatusSkip {
		m.checkDuration.WithLabelValues(res.Name).Observe(res.Duration.Seconds())
	}

	value := -1.0
	switch res.Status {
	case StatusPass:
		value = 1
	case StatusFail:
		value = 0
	}
	m.checkStatus.WithLabelValues(res.Name).Set(value)
}

// RecordRun records a finished report
func (m *Metrics) RecordRun(r *Report) {
	result := "fail"
	if r.Passed() {
		result = "pass"
		m.lastSuccess.Set(float64(r.Finished.Unix()))
	}
	m.runsTotal.WithLabelValues(result).Inc()
	m.lastRun.Set(float64(r.Finished.Unix()))
}

// RecordGateDecision records the gate verdict on a report
func (m *Metrics) RecordGateDecision(allow bool) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	m.gateDecisions.WithLabelValues(decision).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/report":
		return "report"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
