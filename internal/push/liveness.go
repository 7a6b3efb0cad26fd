package push

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 30 * time.Second
)

// LivenessMonitor pings every session on a fixed interval and evicts sessions
// whose last heartbeat is older than the timeout.
type LivenessMonitor struct {
	registry *Registry
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.ConnectionMetrics
	ping     []byte
}

func NewLivenessMonitor(registry *Registry, clock clockwork.Clock, interval, timeout time.Duration, m *metrics.ConnectionMetrics) *LivenessMonitor {
	ping, _ := domain.Envelope{Type: domain.KindHeartbeat, Data: []byte(`{"ping":true}`)}.Marshal()
	return &LivenessMonitor{
		registry: registry,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		metrics:  m,
		ping:     ping,
	}
}

func (m *LivenessMonitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

// sweep evicts expired sessions and pings the rest. Evictions run in parallel
// and sweep returns once all of them have closed.
func (m *LivenessMonitor) sweep() (evicted int) {
	now := m.clock.Now()

	var wg sync.WaitGroup
	m.registry.ForEach(func(s *Session) {
		if now.Sub(s.LastHeartbeat()) > m.timeout {
			evicted++
			wg.Go(func() {
				s.close(causeHeartbeatTimeout)
				m.registry.RemoveSession(s)
			})
			return
		}
		if s.IsOpen() && s.Send(domain.KindHeartbeat, m.ping) {
			m.metrics.HeartbeatsSent.Inc()
		}
	})
	wg.Wait()

	return evicted
}
