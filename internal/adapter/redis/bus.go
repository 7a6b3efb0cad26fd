package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/pscheid92/notifypush/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const channelSize = 256

// Bus implements domain.Bus over Redis pub/sub.
type Bus struct {
	client *Client
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(client *Client) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PSubscribe returns once Redis has confirmed the subscription, so nothing
// published after it returns is missed.
func (b *Bus) PSubscribe(ctx context.Context, pattern string) (domain.Subscription, error) {
	ps := b.client.rdb.PSubscribe(ctx, pattern)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}

	s := &subscription{
		ps:   ps,
		in:   ps.Channel(goredis.WithChannelSize(channelSize)),
		out:  make(chan domain.Message),
		done: make(chan struct{}),
	}
	s.wg.Go(s.pump)
	return s, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx)
}

func (b *Bus) Close() error {
	return b.client.Close()
}

type subscription struct {
	ps   *goredis.PubSub
	in   <-chan *goredis.Message
	out  chan domain.Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *subscription) Messages() <-chan domain.Message { return s.out }

func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case msg, ok := <-s.in:
			if !ok {
				return
			}
			out := domain.Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: []byte(msg.Payload)}
			select {
			case s.out <- out:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}
