package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/dataharness/pkg/gate"
	"github.com/polisai/dataharness/pkg/topology"
	"github.com/polisai/dataharness/pkg/verify"
)

// requiredChecks must pass for the gate to allow, unless skipped.
var requiredChecks = []string{verify.CheckRunning, verify.CheckTopics, verify.CheckTrust}

// Checks builds the verification checks for the current topology against b.
func (h *Harness) Checks(b Backends) ([]verify.Check, error) {
	t, err := h.Topology()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(t.Services))
	for _, svc := range t.Services {
		names = append(names, svc.Name)
	}

	checks := []verify.Check{
		verify.RunningCheck{States: h.runner, Services: names},
		verify.OrderingCheck{Topology: t, Events: h.ReadinessRecord},
		verify.TopicsCheck{Broker: b.Topics, Expected: h.cfg.Topics()},
		verify.TrustCheck{
			Tokens:   b.Tokens,
			Data:     b.Data,
			Verifier: b.Verifier,
			UserDN:   h.cfg.DefaultUserDN(),
		},
		verify.EphemeralCheck{
			Store:    b.Store,
			Recreate: h.recreateStore,
			Timeout:  h.cfg.Verify.ReadyTimeout,
			Interval: h.cfg.Verify.PollInterval,
			Clock:    h.clock,
		},
	}
	if h.cfg.Cache.Enabled {
		checks = append(checks, verify.CacheCheck{Cache: b.Cache})
	}
	return checks, nil
}

// recreateStore replaces the store container together with its anonymous
// volume, so only data outside the container could survive.
func (h *Harness) recreateStore(ctx context.Context) error {
	h.logger.Info("Recreating store", "service", topology.ServiceStore)
	if err := h.runner.Remove(ctx, true, topology.ServiceStore); err != nil {
		return err
	}
	return h.runner.Up(ctx, topology.ServiceStore)
}

// Verify runs every check against the running topology and asks the gate
// for a decision. A denied decision is returned together with an error
// wrapping verify.ErrNotVerified.
func (h *Harness) Verify(ctx context.Context) (*verify.Report, gate.Decision, error) {
	m, err := h.Material()
	if err != nil {
		return nil, gate.Decision{}, err
	}
	b, release, err := h.backends(ctx, h.cfg, m, h.logger)
	if err != nil {
		return nil, gate.Decision{}, err
	}
	defer release()

	checks, err := h.Checks(b)
	if err != nil {
		return nil, gate.Decision{}, err
	}

	runner := verify.NewRunner(checks,
		verify.WithSkip(h.cfg.Verify.Skip...),
		verify.WithCheckTimeout(h.cfg.Verify.ReadyTimeout+h.cfg.Verify.RequestTimeout),
		verify.WithProject(h.cfg.Project),
		verify.WithMetrics(h.metrics),
		verify.WithClock(h.clock),
		verify.WithLogger(h.logger),
	)
	report := runner.Run(ctx)

	g, err := h.gateFor(ctx)
	if err != nil {
		return report, gate.Decision{}, err
	}
	decision, err := g.Decide(ctx, report)
	if err != nil {
		return report, gate.Decision{}, err
	}
	if !decision.Allow {
		return report, decision, fmt.Errorf("%w: %s", verify.ErrNotVerified, strings.Join(decision.Reasons, "; "))
	}
	return report, decision, nil
}

func (h *Harness) gateFor(ctx context.Context) (*gate.Gate, error) {
	if h.gate != nil {
		return h.gate, nil
	}

	required := make([]string, 0, len(requiredChecks))
	for _, name := range requiredChecks {
		if !slices.Contains(h.cfg.Verify.Skip, name) {
			required = append(required, name)
		}
	}

	opts := []gate.Option{
		gate.WithRequired(required...),
		gate.WithLogger(h.logger),
	}
	if h.cfg.Verify.GatePolicy != "" {
		opts = append(opts, gate.WithPolicyFile(h.cfg.Verify.GatePolicy))
	}
	if h.metrics != nil {
		opts = append(opts, gate.WithMetrics(h.metrics))
	}

	g, err := gate.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	h.gate = g
	return g, nil
}
