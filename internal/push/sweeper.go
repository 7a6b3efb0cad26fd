package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultCleanupInterval = 60 * time.Second

// CleanupSweeper drops registry entries whose session is already closing or
// closed. It catches entries that escaped the close callback.
type CleanupSweeper struct {
	registry *Registry
	clock    clockwork.Clock
	interval time.Duration
	onRemove func()
}

func NewCleanupSweeper(registry *Registry, clock clockwork.Clock, interval time.Duration, onRemove func()) *CleanupSweeper {
	return &CleanupSweeper{registry: registry, clock: clock, interval: interval, onRemove: onRemove}
}

func (c *CleanupSweeper) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.sweep()
		}
	}
}

func (c *CleanupSweeper) sweep() (removed int) {
	c.registry.ForEach(func(s *Session) {
		switch s.State() {
		case StateClosing, StateClosed:
			if c.registry.RemoveSession(s) {
				removed++
			}
		}
	})

	if removed > 0 {
		slog.Info("Removed stale sessions", "count", removed)
		if c.onRemove != nil {
			c.onRemove()
		}
	}
	return removed
}
