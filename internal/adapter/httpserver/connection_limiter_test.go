package httpserver

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimits(clock clockwork.Clock, maxConns, maxPerIP int, perSecond float64, burst int) *ConnectionLimits {
	return NewConnectionLimits(clock, LimitsConfig{
		MaxConnections:    maxConns,
		MaxPerIP:          maxPerIP,
		AttemptsPerSecond: perSecond,
		Burst:             burst,
	})
}

func TestConnectionLimits_AcquireRelease(t *testing.T) {
	limits := newLimits(clockwork.NewFakeClock(), 3, 2, 100, 100)

	ok, reason := limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	assert.Equal(t, LimitReason(""), reason)
	ok, _ = limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("192.168.1.2")
	assert.True(t, ok)

	assert.Equal(t, LimitUsage{Open: 3, Max: 3, DistinctIPs: 2, RateBuckets: 2}, limits.Usage())

	limits.Release("192.168.1.1")
	limits.Release("192.168.1.1")
	limits.Release("192.168.1.2")
	usage := limits.Usage()
	assert.Equal(t, 0, usage.Open)
	assert.Equal(t, 0, usage.DistinctIPs)
}

func TestConnectionLimits_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		maxConns int
		perIP    int
		burst    int
		attempts []string
		want     LimitReason
	}{
		{"global", 2, 100, 100, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, LimitReasonGlobal},
		{"per ip", 100, 2, 100, []string{"10.0.0.1", "10.0.0.1", "10.0.0.1"}, LimitReasonPerIP},
		{"rate", 100, 100, 2, []string{"10.0.0.1", "10.0.0.1", "10.0.0.1"}, LimitReasonRate},
		{"zero capacity", 0, 10, 10, []string{"10.0.0.1"}, LimitReasonGlobal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limits := newLimits(clockwork.NewFakeClock(), tt.maxConns, tt.perIP, 100, tt.burst)

			last := len(tt.attempts) - 1
			for _, ip := range tt.attempts[:last] {
				ok, _ := limits.Acquire(ip)
				require.True(t, ok)
			}
			before := limits.Usage().Open

			ok, reason := limits.Acquire(tt.attempts[last])

			assert.False(t, ok)
			assert.Equal(t, tt.want, reason)
			assert.Equal(t, before, limits.Usage().Open, "refusal must not hold a slot")
		})
	}
}

func TestConnectionLimits_ReleaseUnknownIPIsIgnored(t *testing.T) {
	limits := newLimits(clockwork.NewFakeClock(), 10, 10, 100, 100)
	ok, _ := limits.Acquire("192.168.1.1")
	require.True(t, ok)

	limits.Release("10.9.9.9")
	limits.Release("192.168.1.1")
	limits.Release("192.168.1.1")

	assert.Equal(t, 0, limits.Usage().Open)
}

func TestConnectionLimits_Concurrent(t *testing.T) {
	limits := newLimits(clockwork.NewFakeClock(), 100, 1000, 1000, 1000)
	var admitted, refused atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Go(func() {
			<-start
			if ok, _ := limits.Acquire("10.0.0.1"); ok {
				admitted.Add(1)
			} else {
				refused.Add(1)
			}
		})
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), admitted.Load())
	assert.Equal(t, int64(100), refused.Load())
	assert.Equal(t, 100, limits.Usage().Open)
}

func TestConnectionLimits_RateBucketRefills(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limits := newLimits(clock, 100, 100, 10, 5)

	for range 5 {
		ok, _ := limits.Acquire("192.168.1.1")
		require.True(t, ok)
	}
	ok, reason := limits.Acquire("192.168.1.1")
	assert.False(t, ok)
	assert.Equal(t, LimitReasonRate, reason)

	clock.Advance(100 * time.Millisecond)
	ok, _ = limits.Acquire("192.168.1.1")
	assert.True(t, ok)
	ok, _ = limits.Acquire("192.168.1.1")
	assert.False(t, ok)
}

func TestConnectionLimits_IdleBucketsArePruned(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limits := newLimits(clock, 100, 100, 10, 5)

	limits.Acquire("192.168.1.1")
	limits.Acquire("192.168.1.2")
	assert.Equal(t, 2, limits.Usage().RateBuckets)

	clock.Advance(11 * time.Minute)
	limits.Acquire("192.168.1.3")

	assert.Equal(t, 1, limits.Usage().RateBuckets)
}
