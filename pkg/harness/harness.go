// Package harness brings the composed topology up and down and verifies it.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/polisai/dataharness/internal/compose"
	"github.com/polisai/dataharness/pkg/config"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/fixtures"
	"github.com/polisai/dataharness/pkg/gate"
	"github.com/polisai/dataharness/pkg/logging"
	"github.com/polisai/dataharness/pkg/probe"
	"github.com/polisai/dataharness/pkg/telemetry"
	"github.com/polisai/dataharness/pkg/topology"
	"github.com/polisai/dataharness/pkg/verify"
)

const readinessFile = "readiness.json"

// Harness owns one compose project described by a Config.
type Harness struct {
	cfg      *config.Config
	runner   compose.Runner
	prober   *probe.Prober
	clock    clockwork.Clock
	metrics  *verify.Metrics
	backends BackendFactory
	logger   *slog.Logger

	material *fixtures.Material
	topo     *domain.Topology
	gate     *gate.Gate
}

// Option configures a Harness.
type Option func(*Harness)

// WithRunner replaces the compose CLI runner.
func WithRunner(r compose.Runner) Option {
	return func(h *Harness) {
		h.runner = r
	}
}

// WithProber replaces the readiness prober.
func WithProber(p *probe.Prober) Option {
	return func(h *Harness) {
		h.prober = p
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(h *Harness) {
		h.clock = c
	}
}

// WithMetrics records verification runs.
func WithMetrics(m *verify.Metrics) Option {
	return func(h *Harness) {
		h.metrics = m
	}
}

// WithBackends replaces how verification reaches the services.
func WithBackends(f BackendFactory) Option {
	return func(h *Harness) {
		h.backends = f
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates a harness for cfg. Unless a runner is supplied the docker
// compose CLI is used, run from the work directory.
func New(cfg *config.Config, opts ...Option) (*Harness, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", domain.ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Harness{
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		backends: DefaultBackends,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("project", cfg.Project)

	if h.prober == nil {
		h.prober = probe.NewProber(cfg.Verify.RequestTimeout)
	}
	if h.runner == nil {
		r, err := compose.NewCLIRunner(compose.CLIConfig{
			Project: cfg.Project,
			File:    filepath.Base(cfg.ComposeFile()),
			WorkDir: cfg.WorkDir,
		}, h.logger, telemetry.ComposeMetrics{}, telemetry.ProcessTracing{})
		if err != nil {
			return nil, err
		}
		h.runner = r
	}
	return h, nil
}

// Config returns the configuration the harness was created with.
func (h *Harness) Config() *config.Config {
	return h.cfg
}

// Runner returns the compose runner.
func (h *Harness) Runner() compose.Runner {
	return h.runner
}

// Material returns the key material, loading or generating it on first use.
func (h *Harness) Material() (*fixtures.Material, error) {
	if h.material != nil {
		return h.material, nil
	}

	jwt := h.cfg.JWT
	if jwt.PrivateKey != "" || jwt.PublicKey != "" {
		m, err := fixtures.MaterialFromBase64(jwt.PrivateKey, jwt.PublicKey, jwt.APIKey)
		if err != nil {
			return nil, err
		}
		h.material = m
		return m, nil
	}

	m, created, err := fixtures.LoadOrCreateMaterial(h.cfg.KeyDir(), jwt.Curve)
	if err != nil {
		return nil, err
	}
	if jwt.APIKey != "" {
		m.APIKey = jwt.APIKey
	}
	if created {
		h.logger.Info("Generated key material", "dir", h.cfg.KeyDir(), "curve", jwt.Curve)
	}
	h.material = m
	return m, nil
}

// Topology returns the topology built from the configuration.
func (h *Harness) Topology() (*domain.Topology, error) {
	if h.topo != nil {
		return h.topo, nil
	}
	m, err := h.Material()
	if err != nil {
		return nil, err
	}
	t, err := topology.Build(h.cfg, m)
	if err != nil {
		return nil, err
	}
	h.topo = t
	return t, nil
}

// Prepare writes the files the services mount: the users list and the
// static page. An existing static page is left alone.
func (h *Harness) Prepare() error {
	if _, err := h.Material(); err != nil {
		return err
	}
	if err := fixtures.WriteUsersFile(h.cfg.UsersFilePath(), h.cfg.JWT.Users); err != nil {
		return err
	}
	written, err := fixtures.WriteStaticPage(h.cfg.StaticHTMLPath(), h.cfg.Project, h.cfg.Namespace)
	if err != nil {
		return err
	}
	if written {
		h.logger.Info("Wrote static page", "path", h.cfg.StaticHTMLPath())
	}
	return nil
}

// Render prepares the mounted files and writes the compose descriptor. It
// returns the descriptor's path.
func (h *Harness) Render() (string, error) {
	if err := h.Prepare(); err != nil {
		return "", err
	}
	t, err := h.Topology()
	if err != nil {
		return "", err
	}
	data, err := topology.Render(t)
	if err != nil {
		return "", err
	}

	path := h.cfg.ComposeFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write compose file: %w", err)
	}

	redactor := logging.NewRedactor(h.material.APIKey, h.material.PrivateKeyBase64())
	for _, svc := range t.Services {
		h.logger.Debug("Rendered service", "service", svc.Name, "image", svc.Image, "env", redactor.RedactEnv(svc.Environment))
	}
	h.logger.Info("Rendered compose file", "path", path, "services", len(t.Services))
	return path, nil
}

// Up renders the descriptor, starts every service and waits for them to
// become ready layer by layer. Meanwhile every service is polled
// independently; those observations are returned and saved for the
// ordering check.
func (h *Harness) Up(ctx context.Context) ([]probe.ReadinessEvent, error) {
	if _, err := h.Render(); err != nil {
		return nil, err
	}
	t, err := h.Topology()
	if err != nil {
		return nil, err
	}
	layers, err := topology.StartupOrder(t)
	if err != nil {
		return nil, err
	}

	h.logger.Info("Starting topology", "layers", len(layers), "order", topology.Flatten(layers))
	if err := h.runner.Up(ctx); err != nil {
		return nil, fmt.Errorf("failed to start services: %w", err)
	}

	// The layered wait gates Up. The independent observations, started at the
	// same moment, are what the ordering check judges.
	w := h.waiter()
	observeCtx, stopObserving := context.WithCancel(ctx)
	defer stopObserving()
	type observation struct {
		events []probe.ReadinessEvent
		err    error
	}
	observed := make(chan observation, 1)
	go func() {
		events, err := w.Observe(observeCtx, t, layers)
		observed <- observation{events, err}
	}()

	_, err = w.WaitInOrder(ctx, t, layers)
	if err != nil {
		stopObserving()
	}
	obs := <-observed
	if err == nil && obs.err != nil {
		h.logger.Warn("Readiness observation incomplete", "error", obs.err)
	}

	if saveErr := h.saveReadiness(obs.events); saveErr != nil {
		h.logger.Warn("Failed to save readiness record", "error", saveErr)
	}
	if err != nil {
		return obs.events, err
	}
	h.logger.Info("Topology ready", "services", len(obs.events))
	return obs.events, nil
}

func (h *Harness) waiter() *probe.Waiter {
	return probe.NewWaiter(h.prober, probe.WaitConfig{
		Host:     "localhost",
		Timeout:  h.cfg.Verify.ReadyTimeout,
		Interval: h.cfg.Verify.PollInterval,
	},
		probe.WithClock(h.clock),
		probe.WithLogger(h.logger),
		probe.WithStateFunc(h.runningServices),
	)
}

func (h *Harness) runningServices(ctx context.Context) (map[string]bool, error) {
	states, err := h.runner.PS(ctx)
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool, len(states))
	for name, st := range compose.ByService(states) {
		running[name] = st.Running()
	}
	return running, nil
}

// Down removes the project's containers and network, and with
// removeVolumes its volumes. The readiness record is discarded.
func (h *Harness) Down(ctx context.Context, removeVolumes bool) error {
	if err := h.runner.Down(ctx, removeVolumes); err != nil {
		return fmt.Errorf("failed to stop services: %w", err)
	}
	if err := os.Remove(h.readinessPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.logger.Warn("Failed to remove readiness record", "error", err)
	}
	h.logger.Info("Topology removed", "volumes", removeVolumes)
	return nil
}

// ServiceStatus is the observed state of one service.
type ServiceStatus struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Running bool   `json:"running"`
	Ready   bool   `json:"ready"`
	Ports   string `json:"ports,omitempty"`
	Detail  string `json:"detail,omitempty"`
	// Blocks names the services waiting on this one while it is not ready.
	Blocks []string `json:"blocks,omitempty"`
}

// Status reports every configured service's container state and the result
// of one readiness probe.
func (h *Harness) Status(ctx context.Context) ([]ServiceStatus, error) {
	t, err := h.Topology()
	if err != nil {
		return nil, err
	}
	states, err := h.runner.PS(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	byService := compose.ByService(states)

	out := make([]ServiceStatus, 0, len(t.Services))
	for _, svc := range t.Services {
		st := ServiceStatus{Service: svc.Name, State: "missing", Ports: formatPorts(svc.Ports)}
		if cs, ok := byService[svc.Name]; ok {
			st.State = cs.State
			st.Running = cs.Running()
		}
		if st.Running {
			if err := h.prober.Probe(ctx, probe.TargetFor(svc, "localhost")); err != nil {
				st.Detail = err.Error()
			} else {
				st.Ready = true
			}
		}
		if !st.Ready {
			st.Blocks = topology.Dependents(t, svc.Name)
		}
		out = append(out, st)
	}
	return out, nil
}

func formatPorts(ports []domain.PortMapping) string {
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		parts = append(parts, fmt.Sprintf("%d->%d", p.Host, p.Container))
	}
	return strings.Join(parts, ",")
}

func (h *Harness) readinessPath() string {
	return filepath.Join(h.cfg.WorkDir, readinessFile)
}

func (h *Harness) saveReadiness(events []probe.ReadinessEvent) error {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(h.readinessPath(), data, 0o600)
}

// ReadinessRecord returns the events saved by the last Up, or nil when the
// topology was not brought up by this tool.
func (h *Harness) ReadinessRecord(context.Context) ([]probe.ReadinessEvent, error) {
	data, err := os.ReadFile(h.readinessPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read readiness record: %w", err)
	}
	var events []probe.ReadinessEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("failed to parse readiness record: %w", err)
	}
	return events, nil
}
