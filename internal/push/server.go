package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
)

// Config tunes a Server. Zero values fall back to defaults.
type Config struct {
	Clock             clockwork.Clock
	InstanceID        string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CleanupInterval   time.Duration
	SendQueueSize     int

	// CheckOrigin is handed to the upgrader; nil applies gorilla's same-origin rule.
	CheckOrigin func(r *http.Request) bool

	Metrics    *metrics.ConnectionMetrics
	BusMetrics *metrics.BusMetrics
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultQueueSize
	}
	if c.Metrics == nil || c.BusMetrics == nil {
		reg := prometheus.NewRegistry()
		if c.Metrics == nil {
			c.Metrics = metrics.NewConnectionMetrics(reg)
		}
		if c.BusMetrics == nil {
			c.BusMetrics = metrics.NewBusMetrics(reg)
		}
	}
}

// Stats is a point-in-time view of this instance's sessions.
type Stats struct {
	TotalConnections  int            `json:"totalConnections"`
	ActiveConnections int            `json:"activeConnections"`
	ConnectionsByUser map[string]int `json:"connectionsByUser"`
	InstanceID        string         `json:"instanceId"`
	AcceptedTotal     int64          `json:"acceptedTotal"`
}

// Server owns the sessions of one process and the background loops that keep
// them honest: the bus router, the liveness monitor and the cleanup sweeper.
type Server struct {
	cfg      Config
	bus      domain.Bus
	registry *Registry
	upgrader websocket.Upgrader

	router  *Router
	monitor *LivenessMonitor
	sweeper *CleanupSweeper

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup

	accepted atomic.Int64

	startOnce    sync.Once
	shutdownOnce sync.Once
	stopTickers  context.CancelFunc
	stopRouter   context.CancelFunc
	tickers      sync.WaitGroup
	routerDone   chan struct{}
}

func NewServer(bus domain.Bus, cfg Config) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:      cfg,
		bus:      bus,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		stopTickers: func() {},
		stopRouter:  func() {},
	}
	s.router = NewRouter(bus, s, cfg.BusMetrics)
	s.monitor = NewLivenessMonitor(s.registry, cfg.Clock, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, cfg.Metrics)
	s.sweeper = NewCleanupSweeper(s.registry, cfg.Clock, cfg.CleanupInterval, s.updateGauge)
	return s
}

func (s *Server) InstanceID() string { return s.cfg.InstanceID }

// Start subscribes to the bus and launches the router, liveness monitor and
// cleanup sweeper. The subscription is established before Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return domain.ErrServerClosed
	}

	var err error
	s.startOnce.Do(func() {
		var sub domain.Subscription
		sub, err = s.router.subscribe(ctx)
		if err != nil {
			return
		}
		err = s.launch(ctx, sub)
	})
	return err
}

// launch starts the background loops. The lifecycle fields are written under
// mu, where Shutdown reads them.
func (s *Server) launch(ctx context.Context, sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = sub.Close()
		return domain.ErrServerClosed
	}

	routerCtx, stopRouter := context.WithCancel(ctx)
	tickerCtx, stopTickers := context.WithCancel(ctx)
	s.stopRouter = stopRouter
	s.stopTickers = stopTickers
	routerDone := make(chan struct{})
	s.routerDone = routerDone

	go func() {
		defer close(routerDone)
		s.router.consume(routerCtx, sub)
	}()

	s.tickers.Add(2)
	go func() {
		defer s.tickers.Done()
		s.monitor.Run(tickerCtx)
	}()
	go func() {
		defer s.tickers.Done()
		s.sweeper.Run(tickerCtx)
	}()

	slog.Info("Push server started",
		"instance_id", s.cfg.InstanceID,
		"heartbeat_interval", s.cfg.HeartbeatInterval,
		"heartbeat_timeout", s.cfg.HeartbeatTimeout)
	return nil
}

// ServeConn upgrades an already authenticated request and runs the session
// until it closes. After Shutdown has begun it returns domain.ErrServerClosed
// without upgrading. A shutdown that begins during the upgrade closes the new
// socket with 1001 and returns nil, since the response is already hijacked.
func (s *Server) ServeConn(w http.ResponseWriter, r *http.Request, userID string) error {
	if !s.beginConn() {
		return domain.ErrServerClosed
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	sess := newSession(r.Context(), conn, userID, sessionConfig{
		clock:     s.cfg.Clock,
		metrics:   s.cfg.Metrics,
		queueSize: s.cfg.SendQueueSize,
		onClose:   s.onSessionClosed,
	})

	if err := s.register(sess); err != nil {
		slog.DebugContext(sess.ctx, "Session refused after upgrade", "error", err)
		sess.close(causeShutdown)
		return nil
	}

	sess.open()
	slog.InfoContext(sess.ctx, "Session opened", "remote_addr", r.RemoteAddr)
	sess.readLoop()
	return nil
}

// beginConn counts a connection in, unless shutdown has begun. Holding mu
// keeps conns.Add from racing the Wait in Shutdown.
func (s *Server) beginConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) register(sess *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrServerClosed
	}
	superseded := s.registry.Put(sess)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.cfg.Metrics.AcceptedTotal.Inc()
	s.updateGauge()

	if superseded != nil {
		slog.InfoContext(sess.ctx, "Superseding existing session", "superseded_session_id", superseded.ID())
		superseded.close(causeReplaced)
	}
	return nil
}

func (s *Server) onSessionClosed(sess *Session) {
	s.unregister(sess)
}

func (s *Server) unregister(sess *Session) {
	if s.registry.RemoveSession(sess) {
		s.updateGauge()
	}
}

func (s *Server) updateGauge() {
	s.cfg.Metrics.ActiveConnections.Set(float64(s.registry.Len()))
}

func (s *Server) deliver(userID string, kind domain.Kind, frame []byte) bool {
	sess, ok := s.registry.Get(userID)
	if !ok {
		return false
	}
	if !sess.Send(kind, frame) {
		s.unregister(sess)
		return false
	}
	return true
}

// SendToUser queues env for userID's local session. It returns false when the
// user has no open session on this instance.
func (s *Server) SendToUser(userID string, env domain.Envelope) bool {
	frame, err := env.Marshal()
	if err != nil {
		slog.Error("Failed to marshal envelope", "user_id", userID, "type", env.Type, "error", err)
		return false
	}
	return s.deliver(userID, env.Type, frame)
}

// Broadcast queues env for every local session and returns how many accepted it.
func (s *Server) Broadcast(env domain.Envelope) int {
	frame, err := env.Marshal()
	if err != nil {
		slog.Error("Failed to marshal broadcast envelope", "type", env.Type, "error", err)
		return 0
	}

	sent := 0
	s.registry.ForEach(func(sess *Session) {
		if sess.Send(env.Type, frame) {
			sent++
			return
		}
		s.unregister(sess)
	})
	return sent
}

func (s *Server) IsUserConnected(userID string) bool {
	sess, ok := s.registry.Get(userID)
	return ok && sess.IsOpen()
}

func (s *Server) Stats() Stats {
	sessions := s.registry.Snapshot()
	stats := Stats{
		TotalConnections:  len(sessions),
		ConnectionsByUser: make(map[string]int, len(sessions)),
		InstanceID:        s.cfg.InstanceID,
		AcceptedTotal:     s.accepted.Load(),
	}
	for _, sess := range sessions {
		if sess.IsOpen() {
			stats.ActiveConnections++
		}
		stats.ConnectionsByUser[sess.UserID()]++
	}
	return stats
}

// Shutdown refuses new sessions, stops the liveness monitor and sweeper,
// closes every session with 1001, stops the router and waits for connection
// goroutines to finish or ctx to expire. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		stopTickers, stopRouter, routerDone := s.stopTickers, s.stopRouter, s.routerDone
		s.mu.Unlock()

		stopTickers()
		s.tickers.Wait()

		sessions := s.registry.Snapshot()
		slog.Info("Closing sessions for shutdown", "count", len(sessions))

		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Go(func() { sess.close(causeShutdown) })
		}
		wg.Wait()

		stopRouter()
		if routerDone != nil {
			<-routerDone
		}
	})

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Push server stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
	}
}
