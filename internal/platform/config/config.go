package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minJWTSecretLength = 32

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// RedisURL empty runs the instance on the no-op bus.
	RedisURL string `env:"REDIS_URL"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"15s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" default:"30s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" default:"60s"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" default:"64"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"20"`
	ConnectionRate          float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst         int     `env:"CONNECTION_BURST" default:"20"`

	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	InstanceHeartbeat time.Duration `env:"INSTANCE_HEARTBEAT" default:"15s"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}

	if cfg.IsProduction() && cfg.AppURL == "" {
		return errors.New("APP_URL is required in production")
	}
	if cfg.AppURL != "" {
		u, err := url.Parse(cfg.AppURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
		}
	}

	if cfg.RedisURL != "" && !strings.HasPrefix(cfg.RedisURL, "redis://") && !strings.HasPrefix(cfg.RedisURL, "rediss://") {
		return errors.New("REDIS_URL must use the redis:// or rediss:// scheme")
	}

	positive := map[string]time.Duration{
		"HEARTBEAT_INTERVAL": cfg.HeartbeatInterval,
		"HEARTBEAT_TIMEOUT":  cfg.HeartbeatTimeout,
		"CLEANUP_INTERVAL":   cfg.CleanupInterval,
		"SHUTDOWN_TIMEOUT":   cfg.ShutdownTimeout,
		"INSTANCE_HEARTBEAT": cfg.InstanceHeartbeat,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return errors.New("HEARTBEAT_TIMEOUT must be greater than HEARTBEAT_INTERVAL")
	}

	if cfg.SendQueueSize < 1 {
		return errors.New("SEND_QUEUE_SIZE must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 || cfg.MaxConnectionsPerIP < 1 {
		return errors.New("connection limits must be at least 1")
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst < 1 {
		return errors.New("CONNECTION_RATE and CONNECTION_BURST must be positive")
	}

	return nil
}
