// Package dataclient talks to the data-access service: identity lookup,
// object listings, multipart writes and streamed reads, plus a path to
// object-id cache that makes the service usable like a file tree.
package dataclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/dataharness/internal/governance"
	"github.com/polisai/dataharness/pkg/domain"
	"github.com/polisai/dataharness/pkg/telemetry"
)

// UserDNHeader identifies the caller to the data service.
const UserDNHeader = "USER_DN"

const maxErrorBody = 64 * 1024

var tracer = otel.Tracer("github.com/polisai/dataharness/pkg/dataclient")

// APIError is returned when the data service answers with a non-2xx status.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("%s: data service answered %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: data service answered %d: %s", e.Op, e.StatusCode, body)
}

// Unwrap maps 404 responses onto domain.ErrObjectNotFound.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return domain.ErrObjectNotFound
	}
	return nil
}

// Client is a data service client. It is safe for concurrent use.
type Client struct {
	baseURL string
	userDN  string
	bearer  string
	http    *http.Client
	retry   *governance.RetryPolicy
	logger  *slog.Logger

	mu        sync.RWMutex
	hierarchy map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithUserDN sends dn in the USER_DN header of every request.
func WithUserDN(dn string) Option {
	return func(c *Client) {
		c.userDN = dn
	}
}

// WithBearerToken sends an Authorization header with every request.
func WithBearerToken(tok string) Option {
	return func(c *Client) {
		c.bearer = tok
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry replaces the retry policy applied to idempotent requests.
func WithRetry(rp *governance.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = rp
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the data service at baseURL. No request is made
// until the first call.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   60 * time.Second,
		},
		retry:     governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		logger:    slog.Default(),
		hierarchy: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userDN != "" {
		req.Header.Set(UserDNHeader, c.userDN)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	return req, nil
}

func (c *Client) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("user.dn", c.userDN))
	return tracer.Start(ctx, "dataclient."+op, trace.WithAttributes(telemetry.RedactAttributes(attrs)...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// getBytes performs a GET with retries and returns the body and content type.
func (c *Client) getBytes(ctx context.Context, op, path string) ([]byte, string, error) {
	var (
		body        []byte
		contentType string
	)
	status, err := c.retry.ExecuteWithRetry(ctx, http.MethodGet, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return 0, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		contentType = resp.Header.Get("Content-Type")
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		if status != 0 && errors.Is(err, governance.ErrMaxRetriesExceeded) {
			return nil, "", fmt.Errorf("%w: %w", &APIError{Op: op, StatusCode: status, Body: truncate(body)}, err)
		}
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if status < 200 || status >= 300 {
		return nil, "", &APIError{Op: op, StatusCode: status, Body: truncate(body)}
	}
	return body, contentType, nil
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return string(body)
}
