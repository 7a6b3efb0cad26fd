package push

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLivenessMonitor_PingsHealthySessions(t *testing.T) {
	env := newTestEnv(t, nil, withTimeout(testTimeout))
	conn := env.dial(t, "u1")

	env.clock.Advance(testInterval)
	assert.Equal(t, 0, env.server.monitor.sweep())

	ping := readEnvelope(t, conn)
	assert.Equal(t, domain.KindHeartbeat, ping.Type)
	assert.Equal(t, true, ping.Data["ping"])
	assert.True(t, env.server.IsUserConnected("u1"))
	assert.InDelta(t, 1, testutil.ToFloat64(env.connMetrics.HeartbeatsSent), 0)
}

// A silent client is evicted with the heartbeat-timeout close code once
// timeout + interval has passed.
func TestLivenessMonitor_EvictsSilentSession(t *testing.T) {
	env := newTestEnv(t, nil, withTimeout(testTimeout))
	conn := env.dial(t, "u1")

	env.clock.Advance(testTimeout + testInterval)
	assert.Equal(t, 1, env.server.monitor.sweep())

	assert.False(t, env.server.IsUserConnected("u1"))
	assert.Equal(t, 0, env.server.Stats().TotalConnections)

	closeErr := readClose(t, conn)
	assert.Equal(t, CloseHeartbeatTimeout, closeErr.Code)
	assert.Equal(t, "heartbeat timeout", closeErr.Text)
	assert.InDelta(t, 1, testutil.ToFloat64(env.connMetrics.Closures.WithLabelValues("heartbeat_timeout")), 0)
}

func TestLivenessMonitor_ExactTimeoutIsNotExpired(t *testing.T) {
	env := newTestEnv(t, nil, withTimeout(testTimeout))
	env.dial(t, "u1")

	env.clock.Advance(testTimeout)
	assert.Equal(t, 0, env.server.monitor.sweep())
	assert.True(t, env.server.IsUserConnected("u1"))
}

func TestLivenessMonitor_HeartbeatKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t, nil, withTimeout(testTimeout))
	conn := env.dial(t, "u1")

	env.clock.Advance(20 * time.Second)
	pingPong(t, conn)
	env.clock.Advance(20 * time.Second)

	assert.Equal(t, 0, env.server.monitor.sweep())
	assert.True(t, env.server.IsUserConnected("u1"))

	env.clock.Advance(testTimeout)
	assert.Equal(t, 1, env.server.monitor.sweep())
	assert.False(t, env.server.IsUserConnected("u1"))
}

func TestLivenessMonitor_EvictsOnlyExpiredUsers(t *testing.T) {
	env := newTestEnv(t, nil, withTimeout(testTimeout))
	silent := env.dial(t, "silent")
	chatty := env.dial(t, "chatty")

	env.clock.Advance(20 * time.Second)
	pingPong(t, chatty)
	env.clock.Advance(20 * time.Second)

	assert.Equal(t, 1, env.server.monitor.sweep())

	assert.Equal(t, CloseHeartbeatTimeout, readClose(t, silent).Code)
	assert.True(t, env.server.IsUserConnected("chatty"))
	assert.Equal(t, domain.KindHeartbeat, readEnvelope(t, chatty).Type)
}

func TestLivenessMonitor_RunsOnTicker(t *testing.T) {
	env := newTestEnv(t, nil, withInterval(testInterval), withTimeout(testTimeout))
	conn := env.dial(t, "u1")

	// monitor and sweeper tickers
	require.NoError(t, env.clock.BlockUntilContext(t.Context(), 2))
	env.clock.Advance(testInterval)

	ping := readEnvelope(t, conn)
	assert.Equal(t, true, ping.Data["ping"])
}
