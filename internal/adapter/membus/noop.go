package membus

import (
	"context"
	"sync"

	"github.com/pscheid92/notifypush/internal/domain"
)

// Noop discards every publish and never delivers. It keeps the server running
// without real-time fan-out when the configured transport is unavailable.
type Noop struct{}

var _ domain.Bus = Noop{}

func (Noop) Publish(context.Context, string, []byte) error { return nil }

func (Noop) PSubscribe(context.Context, string) (domain.Subscription, error) {
	return &noopSubscription{ch: make(chan domain.Message)}, nil
}

func (Noop) Ping(context.Context) error { return nil }

func (Noop) Close() error { return nil }

type noopSubscription struct {
	ch   chan domain.Message
	once sync.Once
}

func (s *noopSubscription) Messages() <-chan domain.Message { return s.ch }

func (s *noopSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}
