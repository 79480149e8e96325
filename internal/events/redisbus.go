package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ============================================================================
// REDIS-BACKED BUS
// ============================================================================
//
// In a multi-pod deployment the in-process Bus only reaches co-located
// subscribers. RedisBus publishes every envelope to a Redis Pub/Sub channel
// so websocket streams and webhook dispatchers on other pods see it too,
// and mirrors received envelopes onto a local Bus for zero-latency delivery.

// PubSubClient is the minimal Redis Pub/Sub surface the bus needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes lifecycle events across pods.
type RedisBus struct {
	mu      sync.Mutex
	pubsub  PubSubClient
	channel string
	local   *Bus
	unsub   func()
	closed  bool
}

// NewRedisBus wraps a pub/sub client. All lifecycle events travel on a
// single channel; type filtering stays with the local bus.
func NewRedisBus(client PubSubClient, channel string, local *Bus) (*RedisBus, error) {
	if channel == "" {
		channel = "regdoc:events"
	}
	b := &RedisBus{pubsub: client, channel: channel, local: local}

	unsub, err := client.Subscribe(context.Background(), channel, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("redis event bus: bad envelope", "error", err)
			return
		}
		local.Publish(&event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b.unsub = unsub
	return b, nil
}

// Emit publishes an envelope to Redis; subscribers on every pod receive it
// through their local bus mirror. On a Redis failure delivery degrades to
// local-only rather than dropping the event.
func (b *RedisBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := New(eventType, subject, data)

	payload, err := event.JSON()
	if err != nil {
		slog.Warn("redis event bus: marshal failed", "type", eventType, "error", err)
		b.local.Publish(event)
		return
	}
	if err := b.pubsub.Publish(context.Background(), b.channel, payload); err != nil {
		slog.Warn("redis event bus: publish failed, local-only delivery",
			"type", eventType, "error", err)
		b.local.Publish(event)
	}
}

// Close tears down the Redis subscription.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.unsub != nil {
		b.unsub()
	}
	return nil
}
