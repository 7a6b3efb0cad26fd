package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

const (
	instancesKey = "notifications:instances"
	instanceTTL  = 60 * time.Second
)

// InstanceInfo is one process's heartbeat record.
type InstanceInfo struct {
	InstanceID  string `json:"instance_id"`
	Timestamp   int64  `json:"timestamp"`
	Version     string `json:"version"`
	Connections int    `json:"connections"`
}

// InstanceRegistry heartbeats this process into a shared Redis hash so
// operators can see which instances are serving sockets. Entries older than
// 60s are treated as gone.
type InstanceRegistry struct {
	rdb         *goredis.Client
	clock       clockwork.Clock
	instanceID  string
	version     string
	heartbeat   time.Duration
	connections func() int
}

// NewInstanceRegistry creates a registry. connections reports the current
// local session count for each heartbeat.
func NewInstanceRegistry(client *Client, clock clockwork.Clock, instanceID, version string, heartbeat time.Duration, connections func() int) *InstanceRegistry {
	return &InstanceRegistry{
		rdb:         client.rdb,
		clock:       clock,
		instanceID:  instanceID,
		version:     version,
		heartbeat:   heartbeat,
		connections: connections,
	}
}

// Run registers immediately, re-registers every heartbeat and removes the
// entry when ctx is cancelled.
func (r *InstanceRegistry) Run(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		slog.Warn("Instance registration failed", "instance_id", r.instanceID, "error", err)
	}

	ticker := r.clock.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := r.register(ctx); err != nil {
				slog.Warn("Instance heartbeat failed", "instance_id", r.instanceID, "error", err)
			}
		case <-ctx.Done():
			r.unregister(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (r *InstanceRegistry) register(ctx context.Context) error {
	info := InstanceInfo{
		InstanceID:  r.instanceID,
		Timestamp:   r.clock.Now().Unix(),
		Version:     r.version,
		Connections: r.connections(),
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal instance info: %w", err)
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	return nil
}

func (r *InstanceRegistry) unregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		slog.Warn("Instance unregister failed", "instance_id", r.instanceID, "error", err)
	}
}

// ActiveInstances returns instances with a heartbeat in the last 60s, ordered by id.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	entries, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	now := r.clock.Now().Unix()
	active := []InstanceInfo{}
	for _, data := range entries {
		var info InstanceInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if now-info.Timestamp < int64(instanceTTL/time.Second) {
			active = append(active, info)
		}
	}

	slices.SortFunc(active, func(a, b InstanceInfo) int {
		return strings.Compare(a.InstanceID, b.InstanceID)
	})
	return active, nil
}
