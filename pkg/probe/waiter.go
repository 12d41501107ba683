package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/polisai/dataharness/internal/governance"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/telemetry"
)

// ErrOrderViolation is returned when a service became ready before one of
// its dependencies.
var ErrOrderViolation = errors.New("readiness order violated")

// StateFunc reports which services currently have a running container.
type StateFunc func(ctx context.Context) (map[string]bool, error)

// ReadinessEvent records when a service was first observed ready.
// LastFailure is the start of the last attempt that found it not ready, zero
// when the first attempt succeeded.
type ReadinessEvent struct {
	Service     string        `json:"service"`
	Layer       int           `json:"layer"`
	ReadyAt     time.Time     `json:"ready_at"`
	LastFailure time.Time     `json:"last_failure,omitzero"`
	Elapsed     time.Duration `json:"elapsed"`
	Attempts    int           `json:"attempts"`
}

// WaitConfig bounds readiness waiting.
type WaitConfig struct {
	Host     string
	Timeout  time.Duration
	Interval time.Duration
}

// Waiter polls services until they are ready.
type Waiter struct {
	prober *Prober
	state  StateFunc
	clock  clockwork.Clock
	logger *slog.Logger
	policy *governance.RetryPolicy
	cfg    WaitConfig
}

// WaiterOption configures a Waiter.
type WaiterOption func(*Waiter)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) WaiterOption {
	return func(w *Waiter) {
		w.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) WaiterOption {
	return func(w *Waiter) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithStateFunc requires a running container before a service is probed.
func WithStateFunc(f StateFunc) WaiterOption {
	return func(w *Waiter) {
		w.state = f
	}
}

// NewWaiter creates a waiter. Polling backs off from cfg.Interval up to five
// times that interval.
func NewWaiter(prober *Prober, cfg WaitConfig, opts ...WaiterOption) *Waiter {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}

	w := &Waiter{
		prober: prober,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.policy = governance.NewRetryPolicy(governance.RetryConfig{
		InitialBackoff:    cfg.Interval,
		MaxBackoff:        5 * cfg.Interval,
		BackoffMultiplier: 1.5,
	}, governance.WithClock(w.clock))
	return w
}

// WaitReady blocks until svc is ready, the timeout elapses or ctx is done.
func (w *Waiter) WaitReady(ctx context.Context, svc domain.Service) (ReadinessEvent, error) {
	target := TargetFor(svc, w.cfg.Host)
	start := w.clock.Now()
	var lastFailure time.Time

	for attempt := 0; ; attempt++ {
		attemptStart := w.clock.Now()
		err := w.check(ctx, svc.Name, target)
		if err == nil {
			now := w.clock.Now()
			ev := ReadinessEvent{
				Service:     svc.Name,
				ReadyAt:     now,
				LastFailure: lastFailure,
				Elapsed:     now.Sub(start),
				Attempts:    attempt + 1,
			}
			telemetry.RecordServiceReady(ctx, svc.Name, ev.Elapsed)
			w.logger.Info("Service ready", "service", svc.Name, "elapsed", ev.Elapsed, "attempts", ev.Attempts)
			return ev, nil
		}
		lastFailure = attemptStart
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ReadinessEvent{}, ctxErr
		}
		if w.clock.Since(start) >= w.cfg.Timeout {
			if !errors.Is(err, domain.ErrServiceNotReady) {
				err = fmt.Errorf("%w: %w", domain.ErrServiceNotReady, err)
			}
			return ReadinessEvent{}, fmt.Errorf("%s not ready after %s: %w", svc.Name, w.cfg.Timeout, err)
		}

		w.logger.Debug("Service not ready", "service", svc.Name, "attempt", attempt+1, "error", err)
		if err := w.policy.Sleep(ctx, w.policy.CalculateBackoff(attempt)); err != nil {
			return ReadinessEvent{}, err
		}
	}
}

func (w *Waiter) check(ctx context.Context, name string, target Target) error {
	if w.state != nil {
		running, err := w.state(ctx)
		if err != nil {
			return fmt.Errorf("failed to read container state: %w", err)
		}
		if !running[name] {
			return fmt.Errorf("%w: %s", domain.ErrServiceNotRunning, name)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.prober.timeout)
	defer cancel()
	return w.prober.Probe(attemptCtx, target)
}

// WaitInOrder waits for each startup layer in turn; services within a layer
// are waited on concurrently. Events are returned in the order services
// became ready.
func (w *Waiter) WaitInOrder(ctx context.Context, t *domain.Topology, layers [][]string) ([]ReadinessEvent, error) {
	var events []ReadinessEvent

	for i, layer := range layers {
		var (
			mu   sync.Mutex
			wg   sync.WaitGroup
			errs []error
		)
		for _, name := range layer {
			svc, err := t.Service(name)
			if err != nil {
				return events, err
			}

			wg.Add(1)
			go func(svc domain.Service) {
				defer wg.Done()
				ev, err := w.WaitReady(ctx, svc)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				ev.Layer = i
				events = append(events, ev)
			}(*svc)
		}
		wg.Wait()

		sortEvents(events)
		if len(errs) > 0 {
			return events, errors.Join(errs...)
		}
	}

	return events, nil
}

// Observe polls every service of t at once, independent of dependency
// edges, and records when each was first seen ready. Layer is taken from
// layers. Unlike WaitInOrder the observations can show a service answering
// before its dependencies; CheckOrder judges them. Events gathered before an
// error or cancellation are returned with it.
func (w *Waiter) Observe(ctx context.Context, t *domain.Topology, layers [][]string) ([]ReadinessEvent, error) {
	layerOf := make(map[string]int, len(t.Services))
	for i, layer := range layers {
		for _, name := range layer {
			layerOf[name] = i
		}
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		events []ReadinessEvent
		errs   []error
	)
	for _, svc := range t.Services {
		wg.Add(1)
		go func(svc domain.Service) {
			defer wg.Done()
			ev, err := w.WaitReady(ctx, svc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ev.Layer = layerOf[svc.Name]
			events = append(events, ev)
		}(svc)
	}
	wg.Wait()

	sortEvents(events)
	return events, errors.Join(errs...)
}

func sortEvents(events []ReadinessEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].ReadyAt.Equal(events[j].ReadyAt) {
			return events[i].ReadyAt.Before(events[j].ReadyAt)
		}
		return events[i].Service < events[j].Service
	})
}

// CheckOrder reports a violation when a service was seen ready before an
// attempt that still found one of its dependencies not ready, or when a
// service or dependency never became ready. The events must come from
// Observe; layered waiting never probes a service early enough to tell.
func CheckOrder(t *domain.Topology, events []ReadinessEvent) error {
	readyAt := make(map[string]time.Time, len(events))
	failedAt := make(map[string]time.Time, len(events))
	for _, ev := range events {
		readyAt[ev.Service] = ev.ReadyAt
		failedAt[ev.Service] = ev.LastFailure
	}

	var violations []error
	for _, svc := range t.Services {
		at, ok := readyAt[svc.Name]
		if !ok {
			violations = append(violations, fmt.Errorf("%w: %s never became ready", ErrOrderViolation, svc.Name))
			continue
		}
		for _, dep := range svc.DependsOn {
			if _, ok := readyAt[dep]; !ok {
				violations = append(violations, fmt.Errorf("%w: dependency %s of %s never became ready", ErrOrderViolation, dep, svc.Name))
				continue
			}
			if depDown := failedAt[dep]; !depDown.IsZero() && at.Before(depDown) {
				violations = append(violations, fmt.Errorf("%w: %s ready at %s while %s still failed at %s",
					ErrOrderViolation, svc.Name, at.Format(time.RFC3339Nano), dep, depDown.Format(time.RFC3339Nano)))
			}
		}
	}
	return errors.Join(violations...)
}
