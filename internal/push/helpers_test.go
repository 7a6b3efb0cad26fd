package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/notifypush/internal/adapter/membus"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 15 * time.Second
	testTimeout  = 30 * time.Second

	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

type testEnv struct {
	server      *Server
	bus         *membus.Bus
	clock       *clockwork.FakeClock
	httpServer  *httptest.Server
	connMetrics *metrics.ConnectionMetrics
	busMetrics  *metrics.BusMetrics
}

// newTestEnv starts a Server on a fake clock behind an httptest server. The
// background tickers run on intervals long enough that tests drive sweeps by
// hand, the way the monitor would.
func newTestEnv(t *testing.T, bus *membus.Bus, opts ...func(*Config)) *testEnv {
	t.Helper()

	if bus == nil {
		bus = membus.New()
		t.Cleanup(func() { _ = bus.Close() })
	}

	clock := clockwork.NewFakeClock()
	reg := prometheus.NewRegistry()
	cfg := Config{
		Clock:             clock,
		InstanceID:        "test-instance",
		HeartbeatInterval: 24 * time.Hour,
		HeartbeatTimeout:  48 * time.Hour,
		CleanupInterval:   24 * time.Hour,
		Metrics:           metrics.NewConnectionMetrics(reg),
		BusMetrics:        metrics.NewBusMetrics(reg),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := NewServer(bus, cfg)
	require.NoError(t, srv.Start(context.Background()))

	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := srv.ServeConn(w, r, r.URL.Query().Get("user"))
		if errors.Is(err, domain.ErrServerClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})

	return &testEnv{
		server:      srv,
		bus:         bus,
		clock:       clock,
		httpServer:  hs,
		connMetrics: cfg.Metrics,
		busMetrics:  cfg.BusMetrics,
	}
}

// withTimeout sets the heartbeat timeout checked by manual sweeps while the
// background monitor stays parked.
func withTimeout(timeout time.Duration) func(*Config) {
	return func(c *Config) {
		c.HeartbeatTimeout = timeout
	}
}

func withInterval(interval time.Duration) func(*Config) {
	return func(c *Config) {
		c.HeartbeatInterval = interval
	}
}

func (e *testEnv) wsURL(userID string) string {
	return "ws" + strings.TrimPrefix(e.httpServer.URL, "http") + "/?user=" + url.QueryEscape(userID)
}

// dial connects as userID and waits until the session is open.
func (e *testEnv) dial(t *testing.T, userID string) *ws.Conn {
	t.Helper()

	before := e.server.Stats().AcceptedTotal
	conn, _, err := ws.DefaultDialer.Dial(e.wsURL(userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return e.server.Stats().AcceptedTotal > before && e.server.IsUserConnected(userID)
	}, 2*time.Second, 5*time.Millisecond, "session for %s never opened", userID)
	return conn
}

func (e *testEnv) session(t *testing.T, userID string) *Session {
	t.Helper()
	sess, ok := e.server.registry.Get(userID)
	require.True(t, ok, "no session registered for %s", userID)
	return sess
}

func (e *testEnv) publish(t *testing.T, channel, payload string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.bus.Publish(ctx, channel, []byte(payload)))
}

type wireEnvelope struct {
	Type domain.Kind    `json:"type"`
	Data map[string]any `json:"data"`
}

func readEnvelope(t *testing.T, conn *ws.Conn) wireEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env), "frame: %s", data)
	return env
}

// readClose reads until the socket ends and returns the close frame received.
func readClose(t *testing.T, conn *ws.Conn) *ws.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *ws.CloseError
		require.ErrorAs(t, err, &closeErr)
		return closeErr
	}
}

// assertSilent fails if conn receives a frame within a short window.
func assertSilent(t *testing.T, conn *ws.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	assert.Error(t, err, "unexpected frame: %s", data)
}

func writeJSON(t *testing.T, conn *ws.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(frame)))
}

// pingPong sends a heartbeat ping and waits for the reply. Because frames are
// handled in order, everything written before it has been processed.
func pingPong(t *testing.T, conn *ws.Conn) wireEnvelope {
	t.Helper()
	writeJSON(t, conn, `{"type":"heartbeat","data":{"ping":true}}`)
	env := readEnvelope(t, conn)
	require.Equal(t, domain.KindHeartbeat, env.Type)
	return env
}

// detachedSession builds a session with no socket for queue and registry tests.
func detachedSession(userID string, queueSize int) *Session {
	return newSession(context.Background(), nil, userID, sessionConfig{
		clock:     clockwork.NewFakeClock(),
		metrics:   metrics.NewConnectionMetrics(prometheus.NewRegistry()),
		queueSize: queueSize,
	})
}
