package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// Channel is the shared Redis channel for recording lifecycle events.
	Channel = "meet:recording:events"

	publishTimeout = 5 * time.Second
)

// Bus publishes and subscribes lifecycle events via Redis pub/sub.
// Delivery is best-effort, at-most-once per subscriber, fan-out to all
// currently-subscribed instances.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewBus creates a Redis-backed event bus.
func NewBus(client *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{client: client, logger: logger}
}

// Publish sends an event to all subscribed instances.
func (b *Bus) Publish(ctx context.Context, ev LifecycleEvent) error {
	if ev.At == 0 {
		ev.At = time.Now().Unix()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, Channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel, err)
	}
	return nil
}

// Subscribe starts consuming the shared channel and calls handler for each
// event. Returns a cancel function to stop the subscription.
func (b *Bus) Subscribe(handler func(LifecycleEvent)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, Channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev LifecycleEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("invalid lifecycle event", zap.Error(err))
					continue
				}
				handler(ev)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
