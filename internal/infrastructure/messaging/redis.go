package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsecard/studysync/internal/domain/shared"
)

// DefaultEventsChannel is the Redis channel events are broadcast on.
const DefaultEventsChannel = "pubsub:studysync:events"

// PubSubClient is the slice of Redis the bus needs.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error, error)
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Client PubSubClient

	// ChannelName defaults to DefaultEventsChannel.
	ChannelName string

	// InstanceID filters out this instance's own broadcasts. Random when empty.
	InstanceID string

	LocalBusConfig InMemoryEventBusConfig

	Logger *slog.Logger
}

// RedisEventBus delivers events to local handlers and broadcasts them to other
// processes. Events broadcast by other processes reach the local handlers too.
type RedisEventBus struct {
	*InMemoryEventBus

	client   PubSubClient
	channel  string
	instance string
	logger   *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisEventBus subscribes to the events channel and returns the bus.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultEventsChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, unsubscribe, err := config.Client.Subscribe(ctx, config.ChannelName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", config.ChannelName, err)
	}

	bus := &RedisEventBus{
		InMemoryEventBus: NewInMemoryEventBus(config.LocalBusConfig),
		client:           config.Client,
		channel:          config.ChannelName,
		instance:         config.InstanceID,
		logger:           config.Logger.With("component", "redis_event_bus"),
		cancel:           cancel,
		done:             make(chan struct{}),
	}

	go func() {
		defer close(bus.done)
		defer func() { _ = unsubscribe() }()
		bus.receive(ctx, messages)
	}()

	return bus, nil
}

// Publish delivers the event locally and broadcasts it. A failed broadcast is
// logged; local delivery still happens.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}

	data, err := json.Marshal(eventEnvelope{
		InstanceID:  b.instance,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.InMemoryEventBus.Publish(event); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, string(data)); err != nil {
		b.logger.Error("broadcast failed", "event_type", event.EventType(), "error", err)
	}
	return nil
}

func (b *RedisEventBus) receive(ctx context.Context, messages <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.deliverRemote(msg)
		}
	}
}

func (b *RedisEventBus) deliverRemote(msg string) {
	var env eventEnvelope
	if err := json.Unmarshal([]byte(msg), &env); err != nil {
		b.logger.Warn("dropping malformed event", "error", err)
		return
	}
	if env.InstanceID == b.instance {
		return
	}

	if err := b.InMemoryEventBus.Publish(remoteEvent{env: env}); err != nil && !errors.Is(err, ErrEventBusClosed) {
		b.logger.Error("remote event not delivered", "event_type", env.EventType, "error", err)
	}
}

// Close stops the subscriber, then the local bus.
func (b *RedisEventBus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
	return b.InMemoryEventBus.Close()
}

type eventEnvelope struct {
	InstanceID  string                 `json:"instance_id"`
	EventType   shared.EventType       `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload"`
}

// remoteEvent is an event received from another process.
type remoteEvent struct{ env eventEnvelope }

func (e remoteEvent) EventType() shared.EventType     { return e.env.EventType }
func (e remoteEvent) AggregateID() string             { return e.env.AggregateID }
func (e remoteEvent) OccurredAt() time.Time           { return e.env.OccurredAt }
func (e remoteEvent) Payload() map[string]interface{} { return e.env.Payload }
