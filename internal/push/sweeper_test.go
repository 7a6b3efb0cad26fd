package push

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupSweeper_RemovesClosedEntries(t *testing.T) {
	r := NewRegistry()
	open := detachedSession("open", 0)
	open.state.Store(int32(StateOpen))
	closing := detachedSession("closing", 0)
	closing.state.Store(int32(StateClosing))
	closed := detachedSession("closed", 0)
	closed.state.Store(int32(StateClosed))
	connecting := detachedSession("connecting", 0)

	for _, s := range []*Session{open, closing, closed, connecting} {
		r.Put(s)
	}

	notified := 0
	sweeper := NewCleanupSweeper(r, clockwork.NewFakeClock(), time.Minute, func() { notified++ })

	assert.Equal(t, 2, sweeper.sweep())
	assert.Equal(t, 1, notified)
	assert.Equal(t, 2, r.Len())

	_, ok := r.Get("open")
	assert.True(t, ok)
	_, ok = r.Get("connecting")
	assert.True(t, ok)
}

func TestCleanupSweeper_NothingToRemove(t *testing.T) {
	r := NewRegistry()
	s := detachedSession("u1", 0)
	s.state.Store(int32(StateOpen))
	r.Put(s)

	notified := 0
	sweeper := NewCleanupSweeper(r, clockwork.NewFakeClock(), time.Minute, func() { notified++ })

	assert.Equal(t, 0, sweeper.sweep())
	assert.Equal(t, 0, notified)
	assert.Equal(t, 1, r.Len())
}

func TestCleanupSweeper_RunsOnTicker(t *testing.T) {
	r := NewRegistry()
	s := detachedSession("u1", 0)
	s.state.Store(int32(StateClosed))
	r.Put(s)

	clock := clockwork.NewFakeClock()
	sweeper := NewCleanupSweeper(r, clock, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Minute)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
