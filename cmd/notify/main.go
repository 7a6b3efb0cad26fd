// Command notify publishes test events onto the bus and mints development
// tokens for the socket endpoint.
//
//	notify publish -user u1 -title "Hello"
//	notify publish -user u1 -type read -data '{"notificationId":"n1","readAt":"2026-01-01T00:00:00Z"}'
//	notify token -user u1 -ttl 1h
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/notifypush/internal/adapter/eventpublisher"
	"github.com/pscheid92/notifypush/internal/adapter/metrics"
	"github.com/pscheid92/notifypush/internal/adapter/redis"
	"github.com/pscheid92/notifypush/internal/auth"
	"github.com/pscheid92/notifypush/internal/domain"
	"github.com/pscheid92/notifypush/internal/platform/logging"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: notify <publish|token> [flags]")
	os.Exit(2)
}

func main() {
	// .env is optional, as for the server
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "publish":
		err = runPublish(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	var (
		redisURL = fs.String("redis", os.Getenv("REDIS_URL"), "Redis URL (or set REDIS_URL env)")
		userID   = fs.String("user", "", "Target user id")
		kind     = fs.String("type", string(domain.KindNotification), "Event type: notification, read, read_all, deleted, settings_updated")
		data     = fs.String("data", "", "Raw JSON payload; overrides -title and -message")
		title    = fs.String("title", "Test notification", "Notification title")
		message  = fs.String("message", "", "Notification message")
		verbose  = fs.Bool("verbose", false, "Verbose logging")
	)
	_ = fs.Parse(args)

	if *redisURL == "" {
		return fmt.Errorf("redis URL required (-redis or REDIS_URL env)")
	}
	channel, err := domain.Channel(*userID, domain.Kind(*kind))
	if err != nil {
		return fmt.Errorf("-user: %w", err)
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	logging.InitLogger(level, "text")

	payload, err := buildPayload(domain.Kind(*kind), *data, *title, *message)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	client, err := redis.NewClient(*redisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		return err
	}
	bus := redis.NewBus(client)
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	publisher := eventpublisher.New(bus, metrics.NewBusMetrics(reg))
	if err := publisher.Publish(ctx, *userID, domain.Kind(*kind), payload); err != nil {
		return err
	}

	slog.Info("Published event", "user_id", *userID, "type", *kind, "channel", channel)
	return nil
}

// buildPayload returns raw JSON when given, otherwise a fresh notification.
func buildPayload(kind domain.Kind, raw, title, message string) (any, error) {
	if raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("-data is not valid JSON")
		}
		return json.RawMessage(raw), nil
	}
	if kind != domain.KindNotification {
		return nil, fmt.Errorf("-data is required for type %q", kind)
	}
	return domain.Notification{
		ID:        uuid.NewString(),
		Type:      "system",
		Title:     title,
		Message:   message,
		Priority:  "normal",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	var (
		secret = fs.String("secret", os.Getenv("JWT_SECRET"), "Signing secret (or set JWT_SECRET env)")
		issuer = fs.String("issuer", os.Getenv("JWT_ISSUER"), "Issuer claim (or set JWT_ISSUER env)")
		userID = fs.String("user", "", "User id to put in the subject claim")
		ttl    = fs.Duration("ttl", time.Hour, "Token lifetime")
	)
	_ = fs.Parse(args)

	if *secret == "" || *userID == "" {
		return fmt.Errorf("-secret and -user are required")
	}

	token, err := auth.Issue(*secret, *issuer, *userID, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
