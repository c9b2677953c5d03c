package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel cross-service auth events are published on.
const Channel = "auth"

// UserOnboarded is published when a previously unseen identity results in a
// new internal user. Informational to other services, not authoritative
// state.
type UserOnboarded struct {
	Subject string    `json:"subject"`
	Created time.Time `json:"created"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher emits cross-service events. Publishing is fire-and-forget: bus
// unavailability must never fail the request path.
type Publisher interface {
	PublishUserOnboarded(ctx context.Context, event UserOnboarded)
}

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisPublisher creates a new RedisPublisher
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client, channel: Channel}
}

func (p *RedisPublisher) PublishUserOnboarded(ctx context.Context, event UserOnboarded) {
	p.publish(ctx, "user_onboarded", event)
}

// publish marshals and publishes the event. Failures are logged and
// swallowed.
func (p *RedisPublisher) publish(ctx context.Context, eventType string, payload any) {
	body, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		slog.Error("Failed to marshal event", "type", eventType, "err", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		slog.Error("Failed to publish event", "type", eventType, "err", err)
	}
}

// NoopPublisher discards all events. Used when no bus is configured.
type NoopPublisher struct{}

// NewNoopPublisher creates a new NoopPublisher
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (*NoopPublisher) PublishUserOnboarded(context.Context, UserOnboarded) {}
