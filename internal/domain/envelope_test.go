package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_Marshal(t *testing.T) {
	env, err := NewEnvelope(KindRead, ReadEvent{NotificationID: "n1", ReadAt: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"read","data":{"notificationId":"n1","readAt":"2024-01-01T00:00:00Z"}}`, string(data))
}

func TestEnvelope_MarshalWithoutData(t *testing.T) {
	data, err := Envelope{Type: KindHeartbeat}.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(data))
}

func TestKind_IsServerEvent(t *testing.T) {
	assert.True(t, KindNotification.IsServerEvent())
	assert.True(t, KindSettingsUpdated.IsServerEvent())
	assert.False(t, KindHeartbeat.IsServerEvent())
	assert.False(t, KindSubscribe.IsServerEvent())
	assert.False(t, Kind("nope").IsServerEvent())
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		body    string
		wantErr error
	}{
		{"notification", KindNotification, `{"id":"n1","title":"Hi"}`, nil},
		{"notification without id", KindNotification, `{"title":"Hi"}`, ErrMalformedPayload},
		{"read", KindRead, `{"notificationId":"n1","readAt":"x"}`, nil},
		{"read without id", KindRead, `{"readAt":"x"}`, ErrMalformedPayload},
		{"read all", KindReadAll, `{"readAt":"x"}`, nil},
		{"deleted", KindDeleted, `{"notificationId":"n1"}`, nil},
		{"deleted without id", KindDeleted, `{}`, ErrMalformedPayload},
		{"settings", KindSettingsUpdated, `{"email":false}`, nil},
		{"not json", KindNotification, `not json`, ErrMalformedPayload},
		{"array", KindSettingsUpdated, `[1,2]`, ErrMalformedPayload},
		{"null", KindReadAll, `null`, ErrMalformedPayload},
		{"unknown kind", Kind("bogus"), `{}`, ErrUnknownKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.kind, []byte(tt.body))
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
