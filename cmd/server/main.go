package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifypush/internal/adapter/httpserver"
	"github.com/pscheid92/notifypush/internal/adapter/membus"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/adapter/redis"
	"github.com/pscheid92/notifypush/internal/auth"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/pscheid92/notifypush/internal/platform/config"
	"github.com/pscheid92/notifypush/internal/platform/logging"
	"github.com/pscheid92/notifypush/internal/platform/retry"
	"github.com/pscheid92/notifypush/internal/platform/version"
	"github.com/pscheid92/notifypush/internal/push"
	"golang.org/x/sync/errgroup"
)

const (
	busModeRedis = "redis"
	busModeNoop  = "noop"

	redisPingTimeout = 2 * time.Second
)

var redisConnectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     4 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupBus connects to Redis with a bounded retry. When REDIS_URL is unset or
// Redis stays unreachable the instance runs on the no-op bus: sockets are
// served but nothing arrives from other processes.
func setupBus(ctx context.Context, cfg *config.Config, m *metrics.RedisMetrics) (domain.Bus, *redis.Client, string) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, running without cross-instance fan-out", "bus_mode", busModeNoop)
		return membus.Noop{}, nil, busModeNoop
	}

	client, err := redis.NewClient(cfg.RedisURL, m)
	if err != nil {
		slog.Error("Invalid Redis configuration", "error", err)
		os.Exit(1)
	}

	err = retry.DoVoid(ctx, redisConnectPolicy, retry.Always, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		return client.Ping(pingCtx)
	})
	if err != nil {
		slog.Warn("Redis unreachable, falling back to the no-op bus", "bus_mode", busModeNoop, "error", err)
		_ = client.Close()
		return membus.Noop{}, nil, busModeNoop
	}

	slog.Info("Connected to Redis", "url", redactURL(cfg.RedisURL), "bus_mode", busModeRedis)
	return redis.NewBus(client), client, busModeRedis
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	connMetrics := metrics.NewConnectionMetrics(reg)
	busMetrics := metrics.NewBusMetrics(reg)
	redisMetrics := metrics.NewRedisMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	bus, redisClient, busMode := setupBus(ctx, cfg, redisMetrics)
	defer func() { _ = bus.Close() }()
	busMetrics.Mode.WithLabelValues(busMode).Set(1)

	pushSrv := push.NewServer(bus, push.Config{
		Clock:             clock,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		SendQueueSize:     cfg.SendQueueSize,
		CheckOrigin:       httpserver.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction()),
		Metrics:           connMetrics,
		BusMetrics:        busMetrics,
	})
	// the push core outlives the signal context; Shutdown stops it in order
	if err := pushSrv.Start(context.WithoutCancel(ctx)); err != nil {
		slog.Error("Failed to start push server", "error", err)
		os.Exit(1)
	}

	deps := httpserver.Dependencies{
		Push: pushSrv,
		Auth: auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, clock),
		Limits: httpserver.NewConnectionLimits(clock, httpserver.LimitsConfig{
			MaxConnections:    cfg.MaxWebSocketConnections,
			MaxPerIP:          cfg.MaxConnectionsPerIP,
			AttemptsPerSecond: cfg.ConnectionRate,
			Burst:             cfg.ConnectionBurst,
		}),
		HealthChecks: []httpserver.HealthCheck{
			{Name: "bus", Check: bus.Ping},
		},
		BusMode:     busMode,
		Clock:       clock,
		Registry:    reg,
		HTTPMetrics: httpMetrics,
		ConnMetrics: connMetrics,
	}

	// assign only when set, a typed nil would not compare equal to nil
	var instances *redis.InstanceRegistry
	if redisClient != nil {
		instances = redis.NewInstanceRegistry(redisClient, clock, pushSrv.InstanceID(), version.Get().Version, cfg.InstanceHeartbeat,
			func() int { return pushSrv.Stats().TotalConnections })
		deps.Instances = instances
	}

	httpSrv := httpserver.NewServer(cfg, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(httpSrv.Start)
	if instances != nil {
		g.Go(func() error { return instances.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutdown signal received, draining connections", "timeout", cfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := pushSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		_ = bus.Close()
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
