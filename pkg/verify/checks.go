package verify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/polisai/dataharness/internal/compose"
	"github.com/polisai/dataharness/pkg/broker"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/probe"
	"github.com/polisai/dataharness/pkg/token"
	"github.com/polisai/dataharness/pkg/topology"
)

// Check names.
const (
	CheckRunning   = "running"
	CheckOrdering  = "ordering"
	CheckTopics    = "topics"
	CheckTrust     = "trust"
	CheckEphemeral = "ephemeral"
	CheckCache     = "cache"
)

// StateReader lists container states.
type StateReader interface {
	PS(ctx context.Context) ([]compose.ServiceState, error)
}

// RunningCheck passes when every expected service has a running container.
type RunningCheck struct {
	States   StateReader
	Services []string
}

func (c RunningCheck) Name() string { return CheckRunning }

func (c RunningCheck) Run(ctx context.Context) Result {
	states, err := c.States.PS(ctx)
	if err != nil {
		return Fail(fmt.Errorf("failed to list containers: %w", err))
	}
	if missing := compose.NotRunning(states, c.Services); len(missing) > 0 {
		return Fail(fmt.Errorf("%w: %s", domain.ErrServiceNotRunning, strings.Join(missing, ", ")))
	}
	return Pass(fmt.Sprintf("%d services running", len(c.Services)))
}

// EventSource returns the readiness events recorded when the topology came up.
type EventSource func(ctx context.Context) ([]probe.ReadinessEvent, error)

// OrderingCheck passes when no service became ready before its dependencies.
type OrderingCheck struct {
	Topology *domain.Topology
	Events   EventSource
}

func (c OrderingCheck) Name() string { return CheckOrdering }

func (c OrderingCheck) Run(ctx context.Context) Result {
	events, err := c.Events(ctx)
	if err != nil {
		return Fail(fmt.Errorf("failed to load readiness record: %w", err))
	}
	if len(events) == 0 {
		return Skip("no readiness record; bring the topology up with this tool first")
	}
	if err := probe.CheckOrder(c.Topology, events); err != nil {
		return Fail(err)
	}

	// Report on the deepest service, the one the property is about.
	last := events[0]
	for _, ev := range events[1:] {
		if ev.Layer > last.Layer || (ev.Layer == last.Layer && ev.ReadyAt.After(last.ReadyAt)) {
			last = ev
		}
	}
	deps, err := topology.Dependencies(c.Topology, last.Service)
	if err != nil {
		return Fail(err)
	}
	if len(deps) == 0 {
		return Pass(fmt.Sprintf("%d services ready in dependency order", len(events)))
	}
	return Pass(fmt.Sprintf("%s ready %s after %s", last.Service, last.Elapsed.Round(time.Millisecond), strings.Join(deps, ", ")))
}

// TopicLister reads broker topics.
type TopicLister interface {
	Topics(ctx context.Context) (map[string]broker.TopicInfo, error)
}

// TopicsCheck passes when the broker holds exactly the expected topics.
type TopicsCheck struct {
	Broker   TopicLister
	Expected []domain.TopicSpec
}

func (c TopicsCheck) Name() string { return CheckTopics }

func (c TopicsCheck) Run(ctx context.Context) Result {
	if c.Broker == nil {
		return Skip("broker not reachable from the host")
	}
	topics, err := c.Broker.Topics(ctx)
	if err != nil {
		return Fail(fmt.Errorf("failed to read broker topics: %w", err))
	}
	if err := broker.ExpectExactly(topics, c.Expected); err != nil {
		return Fail(err)
	}
	names := make([]string, 0, len(c.Expected))
	for _, spec := range c.Expected {
		names = append(names, spec.String())
	}
	return Pass(strings.Join(names, ", "))
}

// TokenFetcher obtains a token for a user.
type TokenFetcher interface {
	Fetch(ctx context.Context, userDN string) (string, error)
}

// SelfReader returns the raw identity document of the data service.
type SelfReader interface {
	SelfRaw(ctx context.Context) ([]byte, error)
}

// TrustCheck passes when a token issued by the authentication service is
// accepted by the data service for the same identity.
type TrustCheck struct {
	Tokens TokenFetcher
	// Data returns a data client that presents tok.
	Data     func(tok string) SelfReader
	Verifier *token.Verifier
	UserDN   string
}

func (c TrustCheck) Name() string { return CheckTrust }

func (c TrustCheck) Run(ctx context.Context) Result {
	if c.UserDN == "" {
		return Skip("no user configured")
	}
	if c.Tokens == nil || c.Data == nil {
		return Skip("token or data service client not configured")
	}

	tok, err := c.Tokens.Fetch(ctx, c.UserDN)
	if err != nil {
		return Fail(fmt.Errorf("failed to obtain token: %w", err))
	}

	if c.Verifier != nil {
		claims, err := c.Verifier.Verify(tok)
		if err != nil {
			return Fail(fmt.Errorf("issued token does not verify with the configured key: %w", err))
		}
		if claims.Label != c.UserDN {
			return Fail(fmt.Errorf("%w: token issued for %q, want %q", domain.ErrTokenRejected, claims.Label, c.UserDN))
		}
	}

	body, err := c.Data(tok).SelfRaw(ctx)
	if err != nil {
		return Fail(fmt.Errorf("%w: data service refused the token: %w", domain.ErrTokenRejected, err))
	}
	label := gjson.GetBytes(body, "label")
	if !label.Exists() {
		return Fail(fmt.Errorf("%w: identity response has no label", domain.ErrTokenRejected))
	}
	if label.String() != c.UserDN {
		return Fail(fmt.Errorf("%w: data service sees %q, want %q", domain.ErrTokenRejected, label.String(), c.UserDN))
	}
	return Pass("data service accepted token for " + c.UserDN)
}

// ProbeStore writes and looks up marker documents.
type ProbeStore interface {
	Ping(ctx context.Context) error
	InsertProbe(ctx context.Context) (string, error)
	HasProbe(ctx context.Context, id string) (bool, error)
}

// EphemeralCheck passes when a document written to the store is gone after
// the store container is recreated.
type EphemeralCheck struct {
	Store ProbeStore
	// Recreate replaces the store container.
	Recreate func(ctx context.Context) error
	Timeout  time.Duration
	Interval time.Duration
	Clock    clockwork.Clock
}

func (c EphemeralCheck) Name() string { return CheckEphemeral }

func (c EphemeralCheck) Run(ctx context.Context) Result {
	if c.Store == nil || c.Recreate == nil {
		return Skip("document store not reachable from the host")
	}
	id, err := c.Store.InsertProbe(ctx)
	if err != nil {
		return Fail(err)
	}
	found, err := c.Store.HasProbe(ctx, id)
	if err != nil {
		return Fail(err)
	}
	if !found {
		return Fail(fmt.Errorf("probe document %s not readable after insert", id))
	}

	if err := c.Recreate(ctx); err != nil {
		return Fail(fmt.Errorf("failed to recreate store: %w", err))
	}
	if err := c.waitPing(ctx); err != nil {
		return Fail(err)
	}

	found, err = c.Store.HasProbe(ctx, id)
	if err != nil {
		return Fail(err)
	}
	if found {
		return Fail(fmt.Errorf("%w: %s", domain.ErrStoragePersisted, id))
	}
	return Pass(fmt.Sprintf("probe document %s gone after recreating the store", id))
}

func (c EphemeralCheck) waitPing(ctx context.Context) error {
	clock := c.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}

	deadline := clock.Now().Add(timeout)
	for {
		err := c.Store.Ping(ctx)
		if err == nil {
			return nil
		}
		if !clock.Now().Before(deadline) {
			return fmt.Errorf("%w: store after %s: %w", domain.ErrServiceNotReady, timeout, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}

// Pinger answers a liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheCheck passes when the token cache answers.
type CacheCheck struct {
	Cache Pinger
}

func (c CacheCheck) Name() string { return CheckCache }

func (c CacheCheck) Run(ctx context.Context) Result {
	if c.Cache == nil {
		return Skip("cache disabled")
	}
	if err := c.Cache.Ping(ctx); err != nil {
		return Fail(err)
	}
	return Pass("cache answered")
}
