package domain

import (
	"encoding/json"
	"fmt"
)

// Kind is the "type" discriminator of an Envelope.
type Kind string

const (
	KindNotification    Kind = "notification"
	KindRead            Kind = "read"
	KindReadAll         Kind = "read_all"
	KindDeleted         Kind = "deleted"
	KindSettingsUpdated Kind = "settings_updated"
	KindHeartbeat       Kind = "heartbeat"
	KindSubscribe       Kind = "subscribe"
	KindUnsubscribe     Kind = "unsubscribe"
)

// Envelope is the unit exchanged on the socket in both directions.
// Data is kept raw so bus payloads are forwarded without re-encoding.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a new envelope of the given kind.
func NewEnvelope(kind Kind, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Type: kind, Data: raw}, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// IsServerEvent reports whether kind may be pushed from the bus to a client.
func (k Kind) IsServerEvent() bool {
	switch k {
	case KindNotification, KindRead, KindReadAll, KindDeleted, KindSettingsUpdated:
		return true
	default:
		return false
	}
}

// Notification is the record pushed with KindNotification. It mirrors what
// the Notification Store persists.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"`
	Title     string          `json:"title"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	CreatedAt string          `json:"createdAt,omitempty"`
	ExpiresAt string          `json:"expiresAt,omitempty"`
}

type ReadEvent struct {
	NotificationID string `json:"notificationId"`
	ReadAt         string `json:"readAt"`
}

type ReadAllEvent struct {
	ReadAt string `json:"readAt"`
}

type DeletedEvent struct {
	NotificationID string `json:"notificationId"`
}

// Heartbeat carries either a ping/pong flag or a server timestamp (unix ms).
type Heartbeat struct {
	Ping      bool  `json:"ping,omitempty"`
	Pong      bool  `json:"pong,omitempty"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// SubscriptionRequest is the body of subscribe / unsubscribe frames.
type SubscriptionRequest struct {
	Channel string `json:"channel"`
}

// ValidatePayload checks that a bus body is acceptable for the given kind.
// Bodies must be JSON objects; read and deleted events must name a notification.
func ValidatePayload(kind Kind, body []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("%w: %s body is not a JSON object: %w", ErrMalformedPayload, kind, err)
	}
	if fields == nil {
		return fmt.Errorf("%w: %s body is null", ErrMalformedPayload, kind)
	}

	switch kind {
	case KindNotification:
		var n Notification
		if err := json.Unmarshal(body, &n); err != nil {
			return fmt.Errorf("%w: notification: %w", ErrMalformedPayload, err)
		}
		if n.ID == "" {
			return fmt.Errorf("%w: notification without id", ErrMalformedPayload)
		}
	case KindRead:
		var ev ReadEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.NotificationID == "" {
			return fmt.Errorf("%w: read event without notificationId", ErrMalformedPayload)
		}
	case KindDeleted:
		var ev DeletedEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.NotificationID == "" {
			return fmt.Errorf("%w: deleted event without notificationId", ErrMalformedPayload)
		}
	case KindReadAll, KindSettingsUpdated:
		// any object
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}
