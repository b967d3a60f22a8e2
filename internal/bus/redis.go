// ABOUTME: Redis pub/sub bridge that relays bus events between gateway instances
// ABOUTME: Local publishes go out on Redis; remote events are injected into the local bus

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/2389/parley-gateway/internal/metrics"
)

// RedisBridge implements Bus on top of a LocalBus and mirrors every event
// through Redis so room members connected to other instances receive it.
type RedisBridge struct {
	local      *LocalBus
	client     redis.UniversalClient
	prefix     string
	instanceID string
	logger     *slog.Logger
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisBridge creates a bridge. Channel names are prefix + topic.
func NewRedisBridge(local *LocalBus, client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisBridge {
	if logger == nil {
		logger = slog.Default()
	}
	instanceID := uuid.New().String()
	return &RedisBridge{
		local:      local,
		client:     client,
		prefix:     prefix,
		instanceID: instanceID,
		logger:     logger.With("component", "redis-bridge", "instance", instanceID),
	}
}

// InstanceID identifies this gateway process on the bridge.
func (b *RedisBridge) InstanceID() string {
	return b.instanceID
}

// Publish delivers ev locally, then relays it to other instances.
// A Redis failure is returned but local delivery has already happened.
func (b *RedisBridge) Publish(ctx context.Context, ev *Event) error {
	if ev.Origin == "" {
		ev.Origin = b.instanceID
	}
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+string(ev.Topic), payload).Err(); err != nil {
		return fmt.Errorf("relaying %s: %w", ev.Topic, err)
	}
	metrics.BridgeEvents.WithLabelValues("out").Inc()
	return nil
}

// Subscribe registers on the local bus, which also receives remote events.
func (b *RedisBridge) Subscribe(ctx context.Context, topics ...Topic) (<-chan *Event, string) {
	return b.local.Subscribe(ctx, topics...)
}

// Unsubscribe removes a local subscription.
func (b *RedisBridge) Unsubscribe(subID string) {
	b.local.Unsubscribe(subID)
}

// Run relays remote events into the local bus until ctx is cancelled.
// ready, if non-nil, is closed once the Redis subscription is confirmed.
func (b *RedisBridge) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := b.client.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s*: %w", b.prefix, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info("redis bridge subscribed", "pattern", b.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handleRemote(ctx, msg)
		}
	}
}

func (b *RedisBridge) handleRemote(ctx context.Context, msg *redis.Message) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		b.logger.Warn("discarding malformed bridge message", "channel", msg.Channel, "error", err)
		return
	}
	if ev.Origin == b.instanceID {
		return
	}
	if string(ev.Topic) != strings.TrimPrefix(msg.Channel, b.prefix) {
		b.logger.Warn("topic does not match channel", "channel", msg.Channel, "topic", ev.Topic)
		return
	}
	metrics.BridgeEvents.WithLabelValues("in").Inc()
	_ = b.local.Publish(ctx, &ev)
}

var _ Bus = (*RedisBridge)(nil)
