// Package redis carries the cross-instance bus and the instance registry over
// Redis. Every command passes through a metrics hook and a circuit breaker so
// publishes fail fast while Redis is down.
package redis

import (
	"context"
	"fmt"

	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// Client wraps a go-redis client with the hooks installed.
type Client struct {
	rdb     *goredis.Client
	breaker *CircuitBreakerHook
}

// NewClient creates a client from a URL (e.g. "redis://localhost:6379").
// It does not dial; call Ping to check reachability.
func NewClient(redisURL string, m *metrics.RedisMetrics) (*Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	breaker := NewCircuitBreakerHook(m)
	// metrics first so fast-failed calls are still counted
	rdb.AddHook(&MetricsHook{metrics: m})
	rdb.AddHook(breaker)

	return &Client{rdb: rdb, breaker: breaker}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Underlying returns the raw go-redis client.
func (c *Client) Underlying() *goredis.Client {
	return c.rdb
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *CircuitBreakerHook {
	return c.breaker
}
