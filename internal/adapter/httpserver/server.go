package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/adapter/redis"
	"github.com/pscheid92/notifypush/internal/platform/config"
	"github.com/pscheid92/notifypush/internal/push"
)

type pushServer interface {
	ServeConn(w http.ResponseWriter, r *http.Request, userID string) error
	Stats() push.Stats
	InstanceID() string
}

type authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type instanceLister interface {
	ActiveInstances(ctx context.Context) ([]redis.InstanceInfo, error)
}

// Dependencies are the collaborators the HTTP layer fronts. Instances is nil
// when running on the no-op bus.
type Dependencies struct {
	Push         pushServer
	Auth         authenticator
	Limits       *ConnectionLimits
	Instances    instanceLister
	HealthChecks []HealthCheck
	BusMode      string
	Clock        clockwork.Clock

	Registry    *prometheus.Registry
	HTTPMetrics *metrics.HTTPMetrics
	ConnMetrics *metrics.ConnectionMetrics
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	deps   Dependencies

	startTime time.Time
}

func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:      e,
		config:    cfg,
		deps:      deps,
		startTime: deps.Clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked sockets are not tracked by
// net/http and are drained by push.Server.Shutdown instead.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}
