// Package auth verifies the bearer token presented on the socket handshake.
// Tokens are HS256 JWTs issued elsewhere; this package only checks them.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifypush/internal/domain"
)

// ErrUnauthorized wraps every verification failure.
var ErrUnauthorized = errors.New("unauthorized")

// TokenQueryParam carries the token for browser clients, which cannot set
// headers on a WebSocket handshake.
const TokenQueryParam = "token"

// Claims are the token claims the gate reads. The subject names the user;
// user_id is accepted for issuers that put it there instead.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier checks tokens signed with secret. A non-empty issuer must match
// the token's iss claim.
func NewVerifier(secret, issuer string, clock clockwork.Clock) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock.Now),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate returns the user id of the request's token.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	return v.Verify(token)
}

// Verify checks signature, expiry and issuer and returns the user id.
func (v *Verifier) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid {
		return "", fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if err := domain.ValidateUserID(userID); err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return userID, nil
}

// TokenFromRequest reads the token query parameter, falling back to an
// Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Issue signs a token for userID. Production tokens come from the identity
// service; this exists for tests and the notify tool.
func Issue(secret, issuer, userID string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
