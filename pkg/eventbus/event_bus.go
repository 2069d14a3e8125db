// Package eventbus provides the watermill-backed transport for workflow
// events, with in-memory and kafka channel implementations.
package eventbus

import (
	"context"

	"github.com/ritmohq/ritmo/pkg/events"
)

// EventHandler processes one decoded event from the bus.
type EventHandler func(ctx context.Context, event any) error

// EventBus publishes and subscribes workflow events.
type EventBus interface {
	Publish(ctx context.Context, key string, event events.Event) error
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
	GenerateID() string
	Close() error
}
