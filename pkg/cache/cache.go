// Package cache checks the optional token cache used by the authentication
// service.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the checks the harness needs.
type Client struct {
	rdb *redis.Client
}

// URL builds a redis URL for a cache published on host:port.
func URL(host string, port int) string {
	return fmt.Sprintf("redis://%s:%d/0", host, port)
}

// NewClient creates a client from a URL such as "redis://localhost:6379".
func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.MaxRetries = 1
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// Ping verifies the cache answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping failed: %w", err)
	}
	return nil
}

// Size returns the number of keys in the selected database.
func (c *Client) Size(ctx context.Context) (int64, error) {
	n, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cache size: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping dials the cache at redisURL once and closes the client again.
func Ping(ctx context.Context, redisURL string) error {
	c, err := NewClient(redisURL)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(ctx)
}
