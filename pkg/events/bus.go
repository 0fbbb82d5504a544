// Package events implements the Event Publisher (C5): it normalizes
// lifecycle events and routes them to topic channels over a pluggable Bus.
package events

import "context"

// Bus is the external event-bus contract from §6: publish is non-blocking
// and carries no delivery guarantee. Implementations (e.g. Redis Pub/Sub)
// live in pkg/storage/redis.
type Bus interface {
	Publish(ctx context.Context, channel string, eventType string, payload interface{}, metadata map[string]string) error
}
