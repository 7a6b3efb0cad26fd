package domain

import "context"

// Message is one payload received from the bus.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Subscription is a live pattern subscription. Messages is closed once the
// subscription ends.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus moves envelopes between processes. Implementations: Redis pub/sub for
// clustered deployments, an in-memory bus for single-process use and tests,
// and a no-op bus when no transport is available.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}
