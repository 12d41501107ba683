// Package gate decides whether a verification report is acceptable by
// evaluating it against a Rego policy.
package gate

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"

	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/telemetry"
	"github.com/polisai/dataharness/pkg/verify"
)

//go:embed default.rego
var defaultPolicy string

var tracer = otel.Tracer("github.com/polisai/dataharness/pkg/gate")

// Decision is the gate verdict.
type Decision struct {
	Allow   bool     `json:"allow"`
	Reasons []string `json:"reasons,omitempty"`
}

// DecisionRecorder counts gate verdicts.
type DecisionRecorder interface {
	RecordGateDecision(allow bool)
}

// Gate evaluates reports.
type Gate struct {
	engine   *Engine
	required []string
	metrics  DecisionRecorder
	logger   *slog.Logger
}

type options struct {
	policyFile string
	entrypoint string
	required   []string
	metrics    DecisionRecorder
	logger     *slog.Logger
}

// Option configures a Gate.
type Option func(*options)

// WithPolicyFile replaces the built-in policy with a Rego file.
func WithPolicyFile(path string) Option {
	return func(o *options) {
		o.policyFile = path
	}
}

// WithEntrypoint changes the decision path, for custom policies.
func WithEntrypoint(entry string) Option {
	return func(o *options) {
		o.entrypoint = entry
	}
}

// WithRequired names checks that must pass; a skip is not enough.
func WithRequired(names ...string) Option {
	return func(o *options) {
		o.required = append(o.required, names...)
	}
}

// WithMetrics records every decision.
func WithMetrics(m DecisionRecorder) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New compiles the gate policy.
func New(ctx context.Context, opts ...Option) (*Gate, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	modules := map[string]string{"default.rego": defaultPolicy}
	if o.policyFile != "" {
		//nolint:gosec // Policy path is controlled by the operator
		src, err := os.ReadFile(o.policyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read gate policy: %w", domain.ErrConfigInvalid, err)
		}
		modules = map[string]string{filepath.Base(o.policyFile): string(src)}
	}

	engine, err := NewEngine(ctx, EngineOptions{Entrypoint: o.entrypoint, Modules: modules})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	return &Gate{
		engine:   engine,
		required: o.required,
		metrics:  o.metrics,
		logger:   o.logger,
	}, nil
}

// Decide evaluates the report. An undefined decision denies.
func (g *Gate) Decide(ctx context.Context, report *verify.Report) (Decision, error) {
	ctx, span := tracer.Start(ctx, "gate.decide")
	defer span.End()

	input, err := reportInput(report, g.required)
	if err != nil {
		return Decision{}, err
	}

	value, err := g.engine.Eval(ctx, input)
	if err != nil {
		return Decision{}, err
	}

	dec, err := parseDecision(value)
	if err != nil {
		return Decision{}, err
	}

	telemetry.RecordGateDecision(span, dec.Allow, dec.Reasons)
	if g.metrics != nil {
		g.metrics.RecordGateDecision(dec.Allow)
	}
	g.logger.Info("Gate decision", "run_id", report.RunID, "allow", dec.Allow, "reasons", dec.Reasons)
	return dec, nil
}

// reportInput converts the report to the generic form OPA consumes.
func reportInput(report *verify.Report, required []string) (map[string]any, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}

	req := make([]any, 0, len(required))
	for _, name := range required {
		req = append(req, name)
	}
	input["required"] = req
	input["passed"] = report.Passed()
	return input, nil
}

func parseDecision(value any) (Decision, error) {
	if value == nil {
		return Decision{Reasons: []string{"gate policy produced no decision"}}, nil
	}
	payload, ok := value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}

	allow, ok := payload["allow"].(bool)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: allow must be boolean, got %T", payload["allow"])
	}

	dec := Decision{Allow: allow}
	switch reasons := payload["reasons"].(type) {
	case nil:
	case []any:
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				dec.Reasons = append(dec.Reasons, s)
			}
		}
	default:
		return Decision{}, fmt.Errorf("opa decision: reasons must be a list, got %T", reasons)
	}
	return dec, nil
}
