package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/pscheid92/notifypush/internal/platform/correlation"
)

const (
	writeDeadline    = 5 * time.Second
	maxFrameSize     = 4096
	defaultQueueSize = 64
)

// Application close codes (4000-4999 is the private-use range).
const (
	CloseHeartbeatTimeout = 4000
	CloseReplaced         = 4001
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeCause describes why a session ends. label feeds metrics; sendFrame is
// false when the peer already closed or the socket is known to be broken.
type closeCause struct {
	code      int
	text      string
	label     string
	sendFrame bool
}

var (
	causeHeartbeatTimeout = closeCause{code: CloseHeartbeatTimeout, text: "heartbeat timeout", label: "heartbeat_timeout", sendFrame: true}
	causeReplaced         = closeCause{code: CloseReplaced, text: "replaced by newer connection", label: "replaced", sendFrame: true}
	causeShutdown         = closeCause{code: websocket.CloseGoingAway, text: "server shutting down", label: "shutdown", sendFrame: true}
	causeWriteFailed      = closeCause{code: websocket.CloseAbnormalClosure, text: "write failed", label: "write_failed"}
)

type outbound struct {
	kind domain.Kind
	data []byte
}

// Session is one user's live socket on this instance. A reader goroutine runs
// the inbound protocol and a writer goroutine drains a bounded outbound queue;
// the writer is the only goroutine writing data frames.
type Session struct {
	id      string
	userID  string
	conn    *websocket.Conn
	clock   clockwork.Clock
	metrics *metrics.ConnectionMetrics
	ctx     context.Context
	onClose func(*Session)

	state atomic.Int32

	heartbeatMu   sync.Mutex
	lastHeartbeat time.Time

	subscriptionsMu sync.RWMutex
	subscriptions   map[string]struct{}

	queueMu sync.Mutex
	queue   chan outbound

	done      chan struct{}
	closeOnce sync.Once
	writerWg  sync.WaitGroup

	closeMu   sync.Mutex
	closeCode int
	closeText string
}

type sessionConfig struct {
	clock     clockwork.Clock
	metrics   *metrics.ConnectionMetrics
	queueSize int
	onClose   func(*Session)
}

func newSession(ctx context.Context, conn *websocket.Conn, userID string, cfg sessionConfig) *Session {
	id := uuid.NewString()
	queueSize := cfg.queueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	ctx = correlation.WithUser(context.WithoutCancel(ctx), userID)
	ctx = correlation.WithSession(ctx, id)

	s := &Session{
		id:            id,
		userID:        userID,
		conn:          conn,
		clock:         cfg.clock,
		metrics:       cfg.metrics,
		ctx:           ctx,
		onClose:       cfg.onClose,
		lastHeartbeat: cfg.clock.Now(),
		subscriptions: make(map[string]struct{}),
		queue:         make(chan outbound, queueSize),
		done:          make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) ID() string     { return s.id }
func (s *Session) UserID() string { return s.userID }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) IsOpen() bool { return s.State() == StateOpen }

// LastHeartbeat returns the time of the last inbound heartbeat, pong or connect.
func (s *Session) LastHeartbeat() time.Time {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) touch() {
	s.heartbeatMu.Lock()
	s.lastHeartbeat = s.clock.Now()
	s.heartbeatMu.Unlock()
}

// Subscriptions returns the client-declared channels, sorted. They are
// advisory: routing does not consult them.
func (s *Session) Subscriptions() []string {
	s.subscriptionsMu.RLock()
	defer s.subscriptionsMu.RUnlock()
	return slices.Sorted(maps.Keys(s.subscriptions))
}

// CloseStatus returns the close code and text recorded when the session closed.
func (s *Session) CloseStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeText
}

// open moves the session to StateOpen and starts the writer.
func (s *Session) open() {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	s.writerWg.Add(1)
	go s.writeLoop()
}

// Send queues a frame for the writer without blocking. It returns false when
// the session is not open. On a full queue the oldest frame is dropped; a
// heartbeat never displaces queued content and is dropped itself instead.
func (s *Session) Send(kind domain.Kind, data []byte) bool {
	if !s.IsOpen() {
		return false
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	msg := outbound{kind: kind, data: data}
	select {
	case s.queue <- msg:
		return true
	default:
	}

	if kind == domain.KindHeartbeat {
		s.dropped(kind, "queue_full")
		return true
	}

	select {
	case old := <-s.queue:
		s.dropped(old.kind, "queue_full")
	default:
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped(kind, "queue_full")
	}
	return true
}

// SendEnvelope marshals env and queues it.
func (s *Session) SendEnvelope(env domain.Envelope) bool {
	data, err := env.Marshal()
	if err != nil {
		slog.ErrorContext(s.ctx, "Failed to marshal envelope", "type", env.Type, "error", err)
		return s.IsOpen()
	}
	return s.Send(env.Type, data)
}

func (s *Session) dropped(kind domain.Kind, reason string) {
	s.metrics.MessagesDropped.WithLabelValues(string(kind), reason).Inc()
	if kind == domain.KindHeartbeat {
		slog.DebugContext(s.ctx, "Dropped heartbeat for slow client", "reason", reason)
		return
	}
	slog.WarnContext(s.ctx, "Dropped envelope for slow client", "type", kind, "reason", reason)
}

func (s *Session) writeLoop() {
	defer s.writerWg.Done()

	for {
		select {
		case msg := <-s.queue:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				slog.DebugContext(s.ctx, "Socket write failed", "type", msg.kind, "error", err)
				s.dropped(msg.kind, "write_failed")
				s.state.Store(int32(StateClosing))
				// close runs elsewhere because it waits for this goroutine
				go s.close(causeWriteFailed)
				return
			}
			s.metrics.MessagesDelivered.WithLabelValues(string(msg.kind)).Inc()
		case <-s.done:
			return
		}
	}
}

// readLoop runs the inbound protocol until the socket fails or closes.
func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			cause := closeCause{code: websocket.CloseAbnormalClosure, text: err.Error(), label: "client_closed"}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				cause.code = ce.Code
				cause.text = ce.Text
			}
			slog.DebugContext(s.ctx, "Socket read ended", "close_code", cause.code, "close_text", cause.text)
			s.close(cause)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.metrics.InboundFrames.WithLabelValues("malformed").Inc()
		slog.WarnContext(s.ctx, "Ignoring malformed client frame", "error", err)
		return
	}

	switch env.Type {
	case domain.KindHeartbeat:
		s.metrics.InboundFrames.WithLabelValues(string(env.Type)).Inc()
		s.handleHeartbeat(env.Data)
	case domain.KindSubscribe, domain.KindUnsubscribe:
		s.metrics.InboundFrames.WithLabelValues(string(env.Type)).Inc()
		s.handleSubscription(env.Type, env.Data)
	default:
		s.metrics.InboundFrames.WithLabelValues("unknown").Inc()
		slog.DebugContext(s.ctx, "Ignoring unknown client frame", "type", env.Type)
	}
}

func (s *Session) handleHeartbeat(raw json.RawMessage) {
	s.touch()

	var hb domain.Heartbeat
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hb); err != nil {
			slog.WarnContext(s.ctx, "Ignoring malformed heartbeat body", "error", err)
			return
		}
	}
	if !hb.Ping {
		return
	}

	reply, err := domain.NewEnvelope(domain.KindHeartbeat, domain.Heartbeat{Timestamp: s.clock.Now().UnixMilli()})
	if err != nil {
		slog.ErrorContext(s.ctx, "Failed to build heartbeat reply", "error", err)
		return
	}
	s.SendEnvelope(reply)
}

func (s *Session) handleSubscription(kind domain.Kind, raw json.RawMessage) {
	var req domain.SubscriptionRequest
	if len(raw) == 0 || json.Unmarshal(raw, &req) != nil || req.Channel == "" {
		slog.WarnContext(s.ctx, "Ignoring subscription frame without channel", "type", kind)
		return
	}

	s.subscriptionsMu.Lock()
	if kind == domain.KindSubscribe {
		s.subscriptions[req.Channel] = struct{}{}
	} else {
		delete(s.subscriptions, req.Channel)
	}
	s.subscriptionsMu.Unlock()

	slog.DebugContext(s.ctx, "Subscription updated", "type", kind, "channel", req.Channel)
}

// Close ends the session with the given close code. Safe to call repeatedly
// and from any goroutine except the session's own writer.
func (s *Session) Close(code int, text string) {
	s.close(closeCause{code: code, text: text, label: "server", sendFrame: true})
}

func (s *Session) close(cause closeCause) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)

		// the writer must exit before the close frame goes out
		s.writerWg.Wait()

		if cause.sendFrame {
			msg := websocket.FormatCloseMessage(cause.code, cause.text)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
		}
		_ = s.conn.Close()

		s.closeMu.Lock()
		s.closeCode = cause.code
		s.closeText = cause.text
		s.closeMu.Unlock()

		s.state.Store(int32(StateClosed))
		s.metrics.Closures.WithLabelValues(cause.label).Inc()

		if cause.label == causeHeartbeatTimeout.label {
			slog.InfoContext(s.ctx, "Evicted session after heartbeat timeout", "close_code", cause.code)
		} else {
			slog.DebugContext(s.ctx, "Session closed", "close_code", cause.code, "reason", cause.label)
		}

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
