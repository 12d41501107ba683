package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const defaultEntrypoint = "dataharness/gate/decision"

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the rule path evaluated, slash separated.
	Entrypoint string
	// Modules maps a module file name to its Rego source.
	Modules map[string]string
}

// Engine holds one prepared query over a fixed set of Rego modules. It is
// safe for concurrent use.
type Engine struct {
	query    string
	prepared rego.PreparedEvalQuery
}

// NewEngine parses and compiles the modules so a broken policy fails at
// start-up rather than on the first report.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("gate engine requires at least one rego module")
	}
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query(queryFor(entry))}
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile gate policy: %w", err)
	}
	return &Engine{query: queryFor(entry), prepared: prepared}, nil
}

// queryFor turns "dataharness/gate/decision" into "data.dataharness.gate.decision".
func queryFor(entry string) string {
	return "data." + strings.ReplaceAll(entry, "/", ".")
}

// Eval returns the value of the entrypoint rule for input, or nil when the
// rule is undefined.
func (e *Engine) Eval(ctx context.Context, input map[string]any) (any, error) {
	results, err := e.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", e.query, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}
	return results[0].Expressions[0].Value, nil
}
