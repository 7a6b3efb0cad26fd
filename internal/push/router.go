package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
)

// deliverer hands a ready-to-write frame to the local session of userID and
// reports whether such a session accepted it.
type deliverer interface {
	deliver(userID string, kind domain.Kind, frame []byte) bool
}

// Router consumes the notification pattern subscription and forwards each
// message to the user's local session, if there is one.
type Router struct {
	bus     domain.Bus
	target  deliverer
	metrics *metrics.BusMetrics
}

func NewRouter(bus domain.Bus, target deliverer, m *metrics.BusMetrics) *Router {
	return &Router{bus: bus, target: target, metrics: m}
}

// Run subscribes and routes until ctx is cancelled or the subscription ends.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.subscribe(ctx)
	if err != nil {
		return err
	}
	r.consume(ctx, sub)
	return nil
}

func (r *Router) subscribe(ctx context.Context) (domain.Subscription, error) {
	sub, err := r.bus.PSubscribe(ctx, domain.ChannelPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", domain.ChannelPattern, err)
	}
	slog.Info("Router subscribed", "pattern", domain.ChannelPattern)
	return sub, nil
}

func (r *Router) consume(ctx context.Context, sub domain.Subscription) {
	defer func() {
		if err := sub.Close(); err != nil {
			slog.Warn("Failed to close bus subscription", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Router stopped")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				slog.Warn("Bus subscription ended", "pattern", domain.ChannelPattern)
				return
			}
			r.route(msg)
		}
	}
}

func (r *Router) route(msg domain.Message) {
	userID, kind, err := domain.ParseChannel(msg.Channel)
	if err != nil {
		r.metrics.MessagesReceived.WithLabelValues("malformed").Inc()
		slog.Warn("Dropping bus message", "channel", msg.Channel, "error", err)
		return
	}

	if err := domain.ValidatePayload(kind, msg.Payload); err != nil {
		r.metrics.MessagesReceived.WithLabelValues("malformed").Inc()
		slog.Warn("Dropping bus message", "channel", msg.Channel, "type", kind, "error", err)
		return
	}

	frame, err := domain.Envelope{Type: kind, Data: json.RawMessage(msg.Payload)}.Marshal()
	if err != nil {
		r.metrics.MessagesReceived.WithLabelValues("malformed").Inc()
		slog.Warn("Dropping bus message", "channel", msg.Channel, "type", kind, "error", err)
		return
	}

	if !r.target.deliver(userID, kind, frame) {
		r.metrics.MessagesReceived.WithLabelValues("not_local").Inc()
		slog.Debug("No local session for bus message", "user_id", userID, "type", kind)
		return
	}
	r.metrics.MessagesReceived.WithLabelValues("delivered").Inc()
}
