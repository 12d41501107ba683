// Package verify runs the acceptance checks of a running topology and
// collects their outcomes into a report.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/polisai/dataharness/pkg/verify")

// ErrNotVerified is returned when a report contains failed checks.
var ErrNotVerified = errors.New("verification failed")

// Status is the outcome of one check.
type Status string

// Check outcomes.
const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is what a check reports.
type Result struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"-"`
	Err      error         `json:"-"`
}

// MarshalJSON renders the duration in milliseconds and the error as text.
// Domain errors also contribute their code and details.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	out := struct {
		plain
		DurationMS float64        `json:"duration_ms"`
		Error      string         `json:"error,omitempty"`
		Code       string         `json:"code,omitempty"`
		Details    map[string]any `json:"details,omitempty"`
	}{plain: plain(r), DurationMS: float64(r.Duration) / float64(time.Millisecond)}
	if r.Err != nil {
		out.Error = r.Err.Error()
		var de *domain.DomainError
		if errors.As(r.Err, &de) {
			out.Code = de.Code
			out.Details = de.Details
		}
	}
	return json.Marshal(out)
}

// Pass builds a passing result.
func Pass(detail string) Result {
	return Result{Status: StatusPass, Detail: detail}
}

// Fail builds a failing result from err.
func Fail(err error) Result {
	return Result{Status: StatusFail, Detail: err.Error(), Err: err}
}

// Skip builds a skipped result.
func Skip(detail string) Result {
	return Result{Status: StatusSkip, Detail: detail}
}

// Check is one verification step.
type Check interface {
	Name() string
	Run(ctx context.Context) Result
}

// Report collects the results of one run.
type Report struct {
	RunID    string    `json:"run_id"`
	Project  string    `json:"project,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Results  []Result  `json:"results"`
}

// Passed reports whether no check failed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFail {
			return false
		}
	}
	return true
}

// Failed lists the names of failed checks in run order.
func (r *Report) Failed() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusFail {
			out = append(out, res.Name)
		}
	}
	return out
}

// Result returns the result of the named check.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Err joins the errors of every failed check.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Status == StatusFail && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Runner executes checks in order.
type Runner struct {
	checks  []Check
	skip    map[string]bool
	timeout time.Duration
	project string
	metrics *Metrics
	clock   clockwork.Clock
	logger  *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSkip skips the named checks.
func WithSkip(names ...string) RunnerOption {
	return func(r *Runner) {
		for _, n := range names {
			r.skip[n] = true
		}
	}
}

// WithCheckTimeout bounds every check.
func WithCheckTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithProject labels reports with the compose project.
func WithProject(project string) RunnerOption {
	return func(r *Runner) {
		r.project = project
	}
}

// WithMetrics records run outcomes.
func WithMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a runner for checks.
func NewRunner(checks []Check, opts ...RunnerOption) *Runner {
	r := &Runner{
		checks: checks,
		skip:   make(map[string]bool),
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Checks lists the check names in run order.
func (r *Runner) Checks() []string {
	names := make([]string, 0, len(r.checks))
	for _, c := range r.checks {
		names = append(names, c.Name())
	}
	return names
}

// Run executes every check and returns the report. A cancelled context
// fails the remaining checks rather than aborting the report.
func (r *Runner) Run(ctx context.Context) *Report {
	report := &Report{
		RunID:   uuid.NewString(),
		Project: r.project,
		Started: r.clock.Now(),
	}

	ctx, span := tracer.Start(ctx, "verify.run")
	span.SetAttributes(attribute.String("verify.run_id", report.RunID))
	defer span.End()

	logger := r.logger.With("run_id", report.RunID)
	for _, c := range r.checks {
		res := r.runOne(ctx, c)
		telemetry.RecordCheckResult(span, res.Name, string(res.Status), res.Detail)
		if r.metrics != nil {
			r.metrics.RecordCheck(res)
		}

		switch res.Status {
		case StatusFail:
			logger.Warn("Check failed", "check", res.Name, "detail", res.Detail, "duration", res.Duration)
		case StatusSkip:
			logger.Info("Check skipped", "check", res.Name, "detail", res.Detail)
		default:
			logger.Info("Check passed", "check", res.Name, "detail", res.Detail, "duration", res.Duration)
		}
		report.Results = append(report.Results, res)
	}

	report.Finished = r.clock.Now()
	if r.metrics != nil {
		r.metrics.RecordRun(report)
	}
	if !report.Passed() {
		span.SetStatus(codes.Error, "verification failed")
	}
	return report
}

func (r *Runner) runOne(ctx context.Context, c Check) Result {
	name := c.Name()
	if r.skip[name] {
		res := Skip("skipped by configuration")
		res.Name = name
		return res
	}
	if err := ctx.Err(); err != nil {
		res := Fail(err)
		res.Name = name
		return res
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := r.clock.Now()
	res := c.Run(ctx)
	res.Name = name
	if res.Duration == 0 {
		res.Duration = r.clock.Since(start)
	}
	return res
}
