// Package eventpublisher is the producing side of the bus contract. The
// Notification Store calls it after each state change; cmd/notify uses it
// to inject test events.
package eventpublisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
)

// EventPublisher publishes user events on the channel each kind is routed by.
type EventPublisher struct {
	bus     domain.Bus
	metrics *metrics.BusMetrics
}

func New(bus domain.Bus, m *metrics.BusMetrics) *EventPublisher {
	return &EventPublisher{bus: bus, metrics: m}
}

func (ep *EventPublisher) PublishNotification(ctx context.Context, userID string, n domain.Notification) error {
	return ep.Publish(ctx, userID, domain.KindNotification, n)
}

func (ep *EventPublisher) PublishRead(ctx context.Context, userID string, ev domain.ReadEvent) error {
	return ep.Publish(ctx, userID, domain.KindRead, ev)
}

func (ep *EventPublisher) PublishReadAll(ctx context.Context, userID string, ev domain.ReadAllEvent) error {
	return ep.Publish(ctx, userID, domain.KindReadAll, ev)
}

func (ep *EventPublisher) PublishDeleted(ctx context.Context, userID string, ev domain.DeletedEvent) error {
	return ep.Publish(ctx, userID, domain.KindDeleted, ev)
}

// PublishSettingsUpdated forwards an opaque settings object.
func (ep *EventPublisher) PublishSettingsUpdated(ctx context.Context, userID string, settings json.RawMessage) error {
	return ep.Publish(ctx, userID, domain.KindSettingsUpdated, settings)
}

// Publish marshals data and publishes it for userID. Payloads the router
// would drop as malformed are rejected here instead.
func (ep *EventPublisher) Publish(ctx context.Context, userID string, kind domain.Kind, data any) error {
	if !kind.IsServerEvent() {
		return fmt.Errorf("%w: %q cannot be published", domain.ErrUnknownKind, kind)
	}
	channel, err := domain.Channel(userID, kind)
	if err != nil {
		ep.count(kind, "invalid")
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		ep.count(kind, "invalid")
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	if err := domain.ValidatePayload(kind, payload); err != nil {
		ep.count(kind, "invalid")
		return err
	}

	if err := ep.bus.Publish(ctx, channel, payload); err != nil {
		ep.count(kind, "error")
		slog.WarnContext(ctx, "Failed to publish event", "channel", channel, "error", err)
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	ep.count(kind, "success")
	return nil
}

func (ep *EventPublisher) count(kind domain.Kind, status string) {
	ep.metrics.MessagesPublished.WithLabelValues(string(kind), status).Inc()
}
