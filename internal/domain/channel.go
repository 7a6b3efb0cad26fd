package domain

import (
	"fmt"
	"strings"
)

const (
	// ChannelPrefix namespaces every user-scoped bus channel.
	ChannelPrefix = "notifications"
	// ChannelPattern is the wildcard the router subscribes to.
	ChannelPattern = ChannelPrefix + ":*"
)

// ValidateUserID rejects ids that cannot be addressed on the bus. The ":"
// separator would let one user's id spell another user's event channel.
func ValidateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrMalformedChannel)
	}
	if strings.Contains(userID, ":") {
		return fmt.Errorf("%w: user id %q contains %q", ErrMalformedChannel, userID, ":")
	}
	return nil
}

// Channel returns the bus channel for a user and event kind.
// Plain notifications use notifications:<userId>, every other kind appends :<kind>.
func Channel(userID string, kind Kind) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	if kind == KindNotification {
		return ChannelPrefix + ":" + userID, nil
	}
	return ChannelPrefix + ":" + userID + ":" + string(kind), nil
}

// ParseChannel splits a bus channel into the addressed user and event kind.
func ParseChannel(channel string) (string, Kind, error) {
	rest, ok := strings.CutPrefix(channel, ChannelPrefix+":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks %q prefix", ErrMalformedChannel, channel, ChannelPrefix)
	}

	userID, suffix, hasKind := strings.Cut(rest, ":")
	if userID == "" {
		return "", "", fmt.Errorf("%w: %q has no user id", ErrMalformedChannel, channel)
	}
	if !hasKind {
		return userID, KindNotification, nil
	}

	kind := Kind(suffix)
	if kind == KindNotification || !kind.IsServerEvent() {
		return "", "", fmt.Errorf("%w: %q has unsupported kind %q", ErrMalformedChannel, channel, suffix)
	}
	return userID, kind, nil
}
