// Package probe decides when the services of a topology are ready.
package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/telemetry"
)

// Target is a single readiness check against a host-side address.
type Target struct {
	Service string
	Kind    domain.ReadinessKind
	Address string
	Path    string
}

// TargetFor derives the probe target of svc on host.
func TargetFor(svc domain.Service, host string) Target {
	t := Target{
		Service: svc.Name,
		Kind:    svc.Readiness.Kind,
		Path:    svc.Readiness.Path,
	}
	if t.Kind == "" {
		t.Kind = domain.ReadinessNone
	}
	if svc.Readiness.Port > 0 {
		t.Address = net.JoinHostPort(host, strconv.Itoa(svc.Readiness.Port))
	} else {
		t.Kind = domain.ReadinessNone
	}
	return t
}

// Prober performs TCP and HTTP readiness probes.
type Prober struct {
	client  *http.Client
	dialer  *net.Dialer
	timeout time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient replaces the HTTP client used for HTTP probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) {
		p.client = c
	}
}

// NewProber creates a prober whose individual attempts are bounded by timeout.
func NewProber(timeout time.Duration, opts ...Option) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &Prober{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer:  &net.Dialer{Timeout: timeout},
		timeout: timeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs one attempt. A nil error means the target accepted the
// connection, or for HTTP targets answered with a status below 500.
func (p *Prober) Probe(ctx context.Context, t Target) error {
	start := time.Now()
	err := p.probe(ctx, t)
	telemetry.RecordProbeAttempt(ctx, telemetry.ProbeAttempt{
		Service:  t.Service,
		Kind:     string(t.Kind),
		Ready:    err == nil,
		Duration: time.Since(start),
	})
	return err
}

func (p *Prober) probe(ctx context.Context, t Target) error {
	switch t.Kind {
	case domain.ReadinessNone:
		return nil
	case domain.ReadinessTCP:
		conn, err := p.dialer.DialContext(ctx, "tcp", t.Address)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", domain.ErrServiceNotReady, t.Service, err)
		}
		return conn.Close()
	case domain.ReadinessHTTP:
		return p.probeHTTP(ctx, t)
	default:
		return fmt.Errorf("unknown readiness kind %q for %s", t.Kind, t.Service)
	}
}

func (p *Prober) probeHTTP(ctx context.Context, t Target) error {
	path := t.Path
	if path == "" {
		path = "/"
	}
	url := "http://" + t.Address + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrServiceNotReady, t.Service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s answered %d", domain.ErrServiceNotReady, t.Service, resp.StatusCode)
	}
	return nil
}
