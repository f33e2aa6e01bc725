package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/events"
)

type envelope struct {
	Origin string        `json:"origin"`
	Event  *domain.Event `json:"event"`
}

// EventPublisher fans state changes out to other instances over Pub/Sub.
// It implements events.Emitter; Relay feeds remote events into a local emitter.
type EventPublisher struct {
	client  *Client
	channel string
	origin  string
	logger  *slog.Logger
}

// NewEventPublisher creates a publisher on the client's events channel.
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{
		client:  client,
		channel: client.key("events"),
		origin:  uuid.NewString(),
		logger:  slog.Default().With("component", "redis-events"),
	}
}

// Emit publishes event to every subscribed instance.
func (p *EventPublisher) Emit(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(envelope{Origin: p.origin, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the Client.
func (p *EventPublisher) Close() error { return nil }

// Relay subscribes to the events channel and forwards events published by
// other instances to sink until ctx is done. Events from this publisher are
// skipped since they were already delivered locally.
func (p *EventPublisher) Relay(ctx context.Context, sink events.Emitter) error {
	sub := p.client.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Event == nil {
				p.logger.Warn("Dropping malformed event", "error", err)
				continue
			}
			if env.Origin == p.origin {
				continue
			}
			if err := sink.Emit(ctx, env.Event); err != nil {
				p.logger.Debug("Relay emit failed", "entity", env.Event.EntityID, "error", err)
			}
		}
	}
}
