package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/notifypush/internal/adapter/redis"
	apperrors "github.com/pscheid92/notifypush/internal/platform/errors"
	"github.com/pscheid92/notifypush/internal/platform/version"
	"github.com/pscheid92/notifypush/internal/push"
)

const (
	readinessProbeTimeout = 5 * time.Second
	instancesTimeout      = 3 * time.Second
)

// HealthCheck is a named health check function.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": s.deps.Clock.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness runs every check in order and reports the first failure.
// The no-op bus is ready: the instance serves sockets, only without fan-out.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	for _, hc := range s.deps.HealthChecks {
		err := hc.Check(ctx)
		if err == nil {
			continue
		}

		response := map[string]any{
			"status":       "unhealthy",
			"failed_check": hc.Name,
			"error":        err.Error(),
			"bus_mode":     s.deps.BusMode,
		}
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ready", "bus_mode": s.deps.BusMode}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}

// statsResponse adds admission usage to the push server's session stats.
type statsResponse struct {
	push.Stats
	Limits LimitUsage `json:"limits"`
}

func (s *Server) handleStats(c echo.Context) error {
	resp := statsResponse{Stats: s.deps.Push.Stats(), Limits: s.deps.Limits.Usage()}
	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}

// handleInstances lists live instances. Without a registry only this
// instance is known.
func (s *Server) handleInstances(c echo.Context) error {
	var instances []redis.InstanceInfo
	if s.deps.Instances == nil {
		instances = []redis.InstanceInfo{{
			InstanceID:  s.deps.Push.InstanceID(),
			Timestamp:   s.deps.Clock.Now().Unix(),
			Version:     version.Get().Version,
			Connections: s.deps.Push.Stats().TotalConnections,
		}}
	} else {
		ctx, cancel := context.WithTimeout(c.Request().Context(), instancesTimeout)
		defer cancel()

		var err error
		instances, err = s.deps.Instances.ActiveInstances(ctx)
		if err != nil {
			return apperrors.ExternalError("failed to list instances", err)
		}
	}

	response := map[string]any{
		"bus_mode":  s.deps.BusMode,
		"instances": instances,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write instances response: %w", err)
	}
	return nil
}
