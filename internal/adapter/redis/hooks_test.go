package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *metrics.RedisMetrics {
	return metrics.NewRedisMetrics(prometheus.NewRegistry())
}

func runCmd(hook goredis.Hook, result error) error {
	ctx := context.Background()
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return result })
	return process(ctx, goredis.NewIntCmd(ctx, "publish", "notifications:u1", "{}"))
}

func TestCircuitBreakerHook_StaysClosedOnSuccess(t *testing.T) {
	hook := NewCircuitBreakerHook(newTestMetrics())

	for range 10 {
		require.NoError(t, runCmd(hook, nil))
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_NilReplyIsNotAFailure(t *testing.T) {
	hook := NewCircuitBreakerHook(newTestMetrics())

	for range 10 {
		assert.ErrorIs(t, runCmd(hook, goredis.Nil), goredis.Nil)
	}
	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
}

func TestCircuitBreakerHook_OpensAndFailsFast(t *testing.T) {
	m := newTestMetrics()
	hook := NewCircuitBreakerHook(m)

	for range 5 {
		err := runCmd(hook, errors.New("connection refused"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())
	assert.InDelta(t, 2, testutil.ToFloat64(m.CircuitBreakerState), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CircuitBreakerStateChanges.WithLabelValues("open")), 0)

	called := false
	ctx := context.Background()
	process := hook.ProcessHook(func(context.Context, goredis.Cmder) error {
		called = true
		return nil
	})
	err := process(ctx, goredis.NewIntCmd(ctx, "publish", "notifications:u1", "{}"))

	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, called, "redis should not be called while the breaker is open")
}

func TestCircuitBreakerHook_PipelineFailsFastWhenOpen(t *testing.T) {
	hook := NewCircuitBreakerHook(newTestMetrics())
	for range 5 {
		_ = runCmd(hook, errors.New("timeout"))
	}

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return nil })
	assert.ErrorIs(t, pipeline(context.Background(), nil), circuitbreaker.ErrOpen)
}

func TestCircuitBreakerHook_RecoversAfterDelay(t *testing.T) {
	m := newTestMetrics()
	hook := newCircuitBreakerHook(m, 50*time.Millisecond)
	for range 5 {
		_ = runCmd(hook, errors.New("redis down"))
	}
	require.Equal(t, circuitbreaker.OpenState, hook.State())

	require.Eventually(t, func() bool {
		return runCmd(hook, nil) == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, circuitbreaker.ClosedState, hook.State())
	assert.InDelta(t, 0, testutil.ToFloat64(m.CircuitBreakerState), 0)
}

func TestMetricsHook_CountsOperations(t *testing.T) {
	m := newTestMetrics()
	hook := &MetricsHook{metrics: m}

	require.NoError(t, runCmd(hook, nil))
	require.Error(t, runCmd(hook, errors.New("boom")))
	require.ErrorIs(t, runCmd(hook, goredis.Nil), goredis.Nil)

	assert.InDelta(t, 2, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("publish", "error")), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.OpDuration))
}

func TestMetricsHook_CountsPipelineAndDialErrors(t *testing.T) {
	m := newTestMetrics()
	hook := &MetricsHook{metrics: m}
	ctx := context.Background()

	pipeline := hook.ProcessPipelineHook(func(context.Context, []goredis.Cmder) error { return errors.New("broken pipe") })
	require.Error(t, pipeline(ctx, nil))

	dial := hook.DialHook(func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("refused") })
	_, err := dial(ctx, "tcp", "localhost:0")
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.OpsTotal.WithLabelValues("pipeline", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionErrors), 0)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient("not a url", newTestMetrics())
	assert.Error(t, err)
}
