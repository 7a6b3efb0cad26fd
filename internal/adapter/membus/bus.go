// Package membus provides process-local implementations of domain.Bus: an
// in-memory pattern bus for single-process deployments and tests, and a no-op
// bus used when no real transport is reachable.
package membus

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/pscheid92/notifypush/internal/domain"
)

const subscriptionBuffer = 256

// Bus fans published payloads out to every pattern subscription in the process.
// Delivery per subscription preserves publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ domain.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Publish blocks until every matching subscriber has buffered the message or ctx ends.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return domain.ErrBusClosed
	}
	targets := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	body := append([]byte(nil), payload...)
	for _, s := range targets {
		msg := domain.Message{Channel: channel, Pattern: s.pattern, Payload: body}
		if err := s.deliver(ctx, msg); err != nil {
			return fmt.Errorf("publish to %s: %w", channel, err)
		}
	}
	return nil
}

func (b *Bus) PSubscribe(_ context.Context, pattern string) (domain.Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, domain.ErrBusClosed
	}

	s := &subscription{
		bus:     b,
		pattern: pattern,
		ch:      make(chan domain.Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Bus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrBusClosed
	}
	return nil
}

// Close ends every subscription. Further publishes fail with domain.ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

type subscription struct {
	bus     *Bus
	pattern string

	sendMu sync.Mutex
	ch     chan domain.Message
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Messages() <-chan domain.Message { return s.ch }

func (s *subscription) deliver(ctx context.Context, msg domain.Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		// closed subscribers are skipped, not an error for the publisher
		return nil
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		// sendMu guarantees no deliver is mid-send when ch closes
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
	return nil
}
