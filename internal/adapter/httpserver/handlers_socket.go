package httpserver

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/pscheid92/notifypush/internal/platform/correlation"
	apperrors "github.com/pscheid92/notifypush/internal/platform/errors"
)

// handleNotificationsSocket authenticates, applies connection limits and
// hands the request to the push server. Every refusal happens before the
// upgrade, so a rejected client gets a plain HTTP status.
func (s *Server) handleNotificationsSocket(c echo.Context) error {
	r := c.Request()

	userID, err := s.deps.Auth.Authenticate(r)
	if err != nil {
		s.reject("unauthorized")
		return apperrors.UnauthorizedError("invalid or missing token", err)
	}

	ip := c.RealIP()
	if ok, reason := s.deps.Limits.Acquire(ip); !ok {
		s.reject(string(reason))
		if reason == LimitReasonRate {
			return apperrors.RateLimitedError("too many connection attempts").WithContext("reason", reason)
		}
		return apperrors.UnavailableError("connection limit reached").WithContext("reason", reason)
	}
	defer s.deps.Limits.Release(ip)

	ctx := correlation.WithUser(r.Context(), userID)
	err = s.deps.Push.ServeConn(c.Response(), r.WithContext(ctx), userID)
	switch {
	case errors.Is(err, domain.ErrServerClosed):
		s.reject("shutting_down")
		return apperrors.UnavailableError("server is shutting down")
	case err != nil:
		// the upgrader has already answered the client
		slog.DebugContext(ctx, "WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
	}
	return nil
}

func (s *Server) reject(reason string) {
	if s.deps.ConnMetrics != nil {
		s.deps.ConnMetrics.Rejections.WithLabelValues(reason).Inc()
	}
}
