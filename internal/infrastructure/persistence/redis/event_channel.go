package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// EventChannel adapts the client to messaging.PubSubClient.
type EventChannel struct {
	client *redis.Client
}

// NewEventChannel creates an event channel on an established connection.
func NewEventChannel(conn *Connection) *EventChannel {
	return &EventChannel{client: conn.Client()}
}

// Publish sends message on channel.
func (c *EventChannel) Publish(ctx context.Context, channel string, message string) error {
	return c.client.Publish(ctx, channel, message).Err()
}

// Subscribe returns the payloads published on channel once the subscription
// is confirmed. The returned function closes the subscription.
func (c *EventChannel) Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error) {
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, pubsub.Close, nil
}
