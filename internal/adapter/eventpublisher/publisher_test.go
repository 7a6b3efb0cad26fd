package eventpublisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/notifypush/internal/adapter/membus"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*EventPublisher, domain.Subscription, *metrics.BusMetrics) {
	t.Helper()
	bus := membus.New()
	t.Cleanup(func() { _ = bus.Close() })

	sub, err := bus.PSubscribe(t.Context(), domain.ChannelPattern)
	require.NoError(t, err)

	m := metrics.NewBusMetrics(prometheus.NewRegistry())
	return New(bus, m), sub, m
}

func next(t *testing.T, sub domain.Subscription) domain.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message published")
		return domain.Message{}
	}
}

func TestPublisher_ChannelsPerKind(t *testing.T) {
	ep, sub, m := setup(t)
	ctx := t.Context()

	require.NoError(t, ep.PublishNotification(ctx, "u1", domain.Notification{ID: "n1", Title: "Hi"}))
	require.NoError(t, ep.PublishRead(ctx, "u1", domain.ReadEvent{NotificationID: "n1", ReadAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, ep.PublishReadAll(ctx, "u1", domain.ReadAllEvent{ReadAt: "2026-01-01T00:00:00Z"}))
	require.NoError(t, ep.PublishDeleted(ctx, "u1", domain.DeletedEvent{NotificationID: "n1"}))
	require.NoError(t, ep.PublishSettingsUpdated(ctx, "u1", json.RawMessage(`{"email":false}`)))

	tests := []struct {
		channel string
		payload string
	}{
		{"notifications:u1", `{"id":"n1","title":"Hi"}`},
		{"notifications:u1:read", `{"notificationId":"n1","readAt":"2026-01-01T00:00:00Z"}`},
		{"notifications:u1:read_all", `{"readAt":"2026-01-01T00:00:00Z"}`},
		{"notifications:u1:deleted", `{"notificationId":"n1"}`},
		{"notifications:u1:settings_updated", `{"email":false}`},
	}
	for _, tt := range tests {
		msg := next(t, sub)
		assert.Equal(t, tt.channel, msg.Channel)
		assert.JSONEq(t, tt.payload, string(msg.Payload))
	}

	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("notification", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("settings_updated", "success")), 0)
}

func TestPublisher_RejectsInvalidEvents(t *testing.T) {
	ep, _, m := setup(t)
	ctx := t.Context()

	assert.ErrorIs(t, ep.PublishNotification(ctx, "u1", domain.Notification{Title: "no id"}), domain.ErrMalformedPayload)
	assert.ErrorIs(t, ep.PublishDeleted(ctx, "u1", domain.DeletedEvent{}), domain.ErrMalformedPayload)
	assert.ErrorIs(t, ep.PublishSettingsUpdated(ctx, "u1", json.RawMessage(`[1,2]`)), domain.ErrMalformedPayload)
	assert.ErrorIs(t, ep.Publish(ctx, "u1", domain.KindHeartbeat, domain.Heartbeat{Ping: true}), domain.ErrUnknownKind)
	assert.ErrorIs(t, ep.PublishReadAll(ctx, "", domain.ReadAllEvent{ReadAt: "x"}), domain.ErrMalformedChannel)

	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("notification", "invalid")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("deleted", "invalid")), 0)
}

// An id carrying the channel separator would otherwise be published on
// another user's event channel.
func TestPublisher_RejectsUserIDsWithSeparator(t *testing.T) {
	ep, sub, m := setup(t)
	ctx := t.Context()

	err := ep.PublishNotification(ctx, "u1:settings_updated", domain.Notification{ID: "n1"})
	assert.ErrorIs(t, err, domain.ErrMalformedChannel)
	err = ep.PublishDeleted(ctx, "tenant:42", domain.DeletedEvent{NotificationID: "n1"})
	assert.ErrorIs(t, err, domain.ErrMalformedChannel)

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected publish on %s", msg.Channel)
	case <-time.After(100 * time.Millisecond):
	}
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("notification", "invalid")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("notification", "success")), 0)
}

func TestPublisher_BusErrorIsReturned(t *testing.T) {
	bus := membus.New()
	require.NoError(t, bus.Close())
	m := metrics.NewBusMetrics(prometheus.NewRegistry())
	ep := New(bus, m)

	err := ep.PublishReadAll(context.Background(), "u1", domain.ReadAllEvent{ReadAt: "x"})

	assert.ErrorIs(t, err, domain.ErrBusClosed)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("read_all", "error")), 0)
}
