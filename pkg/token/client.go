package token

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/dataharness/internal/governance"
	"github.com/polisai/dataharness/pkg/domain"
)

// UserDNHeader carries the caller's distinguished name.
const UserDNHeader = "USER_DN"

const maxTokenResponse = 1 << 20

// Client fetches tokens from the authentication service.
type Client struct {
	baseURL      string
	tokenPath    string
	apiKeyHeader string
	apiKey       string
	http         *http.Client
	retry        *governance.RetryPolicy
	logger       *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTokenPath sets the path of the token endpoint relative to the base URL.
func WithTokenPath(p string) ClientOption {
	return func(c *Client) {
		c.tokenPath = p
	}
}

// WithAPIKeyHeader sets the header that carries the API key.
func WithAPIKeyHeader(h string) ClientOption {
	return func(c *Client) {
		c.apiKeyHeader = h
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry replaces the retry policy.
func WithRetry(rp *governance.RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = rp
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client for the authentication service at baseURL.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		tokenPath:    "tokens",
		apiKeyHeader: "api-key",
		apiKey:       apiKey,
		http: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		retry:  governance.NewRetryPolicy(governance.DefaultRetryConfig()),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TokenURL is the full URL of the token endpoint.
func (c *Client) TokenURL() string {
	return c.baseURL + "/" + strings.TrimPrefix(c.tokenPath, "/")
}

// Fetch requests a token for userDN. The service answers either with the
// bare token or with a JSON document holding it under "token" or "jwt".
func (c *Client) Fetch(ctx context.Context, userDN string) (string, error) {
	if userDN == "" {
		return "", fmt.Errorf("%w: user DN is required", domain.ErrConfigInvalid)
	}

	var body []byte
	status, err := c.retry.ExecuteWithRetry(ctx, http.MethodGet, func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.TokenURL(), nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set(UserDNHeader, userDN)
		if c.apiKey != "" {
			req.Header.Set(c.apiKeyHeader, c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to read token response: %w", err)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "", fmt.Errorf("%w: token endpoint answered %d", domain.ErrTokenRejected, status)
	case status < 200 || status >= 300:
		return "", fmt.Errorf("token endpoint answered %d: %s", status, strings.TrimSpace(string(body)))
	}

	tok := ExtractToken(body)
	if tok == "" {
		return "", fmt.Errorf("%w: empty token response", domain.ErrTokenRejected)
	}
	c.logger.Debug("Fetched token", "url", c.TokenURL())
	return tok, nil
}

// ExtractToken pulls a token out of a token endpoint response body.
func ExtractToken(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if gjson.Valid(trimmed) {
		result := gjson.Parse(trimmed)
		if result.Type == gjson.String {
			return result.String()
		}
		for _, path := range []string{"token", "jwt", "access_token"} {
			if v := result.Get(path); v.Exists() && v.Type == gjson.String {
				return v.String()
			}
		}
		return ""
	}
	return trimmed
}
