package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventBus is a Redis Pub/Sub implementation of events.Bus. The job queue
// and pipeline engine's durable state lives in Postgres; this is a
// best-effort broadcast layer for live consumers (the same non-blocking,
// no-delivery-guarantee contract §4.5 assigns to the Event Publisher).
type EventBus struct {
	client *redis.Client
}

// NewEventBus initializes a Redis client for Pub/Sub publication.
func NewEventBus(addr string) (*EventBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &EventBus{client: client}, nil
}

func (b *EventBus) Close() error {
	return b.client.Close()
}

type wireEvent struct {
	Type      string                 `json:"type"`
	Payload   interface{}            `json:"payload"`
	Metadata  map[string]string      `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publish fans an envelope out to a Redis Pub/Sub channel. Marshal or
// network failures surface to the caller, which (per events.Publisher)
// logs and swallows them — Redis is a convenience transport, not the
// source of truth.
func (b *EventBus) Publish(ctx context.Context, channel string, eventType string, payload interface{}, metadata map[string]string) error {
	msg, err := json.Marshal(wireEvent{
		Type:      eventType,
		Payload:   payload,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("redis event bus: marshal: %w", err)
	}
	if err := b.client.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis event bus: publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of raw JSON payloads for the given Redis
// channel, for consumers that want to observe lifecycle events live (e.g.
// a CLI tail or a websocket gateway outside the core).
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error) {
	sub := b.client.Subscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for msg := range ch {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close
}
