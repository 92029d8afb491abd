package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ddc-api/keyportal/internal/safego"
)

// DefaultChannel is the Redis pub/sub channel used for completion events.
const DefaultChannel = "ddc:key-completions"

// RedisBroker publishes events to a Redis channel and delivers every event received
// on it to local subscribers, so a completion callback handled by one instance wakes
// long-poll waiters on all of them.
type RedisBroker struct {
	client  *redis.Client
	channel string
	local   *LocalBroker
	pubsub  *redis.PubSub
}

// NewRedisBroker subscribes to channel and starts forwarding its messages to local
// subscribers. The forwarder stops when ctx ends or Close is called.
func NewRedisBroker(ctx context.Context, client *redis.Client, channel string) (*RedisBroker, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	pubsub := client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed, surfacing connection errors now.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b := &RedisBroker{
		client:  client,
		channel: channel,
		local:   NewLocalBroker(),
		pubsub:  pubsub,
	}
	msgs := pubsub.Channel()
	safego.Go("completion-redis-forwarder", func() {
		b.forward(ctx, msgs)
	})
	return b, nil
}

func (b *RedisBroker) forward(ctx context.Context, msgs <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				slog.Warn("dropping malformed completion event", "channel", msg.Channel, "error", err)
				continue
			}
			b.local.deliver(event)
		}
	}
}

// Publish sends event to every instance, including this one.
func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}
	return nil
}

// Subscribe registers a local waiter for accountID.
func (b *RedisBroker) Subscribe(accountID string) (<-chan Event, func()) {
	return b.local.Subscribe(accountID)
}

// Close ends the Redis subscription and closes local subscriber channels.
func (b *RedisBroker) Close() error {
	err := b.pubsub.Close()
	_ = b.local.Close()
	return err
}

func encodeEvent(event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode completion event: %w", err)
	}
	return string(data), nil
}

func decodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.AccountID == "" || !event.Tier.Valid() {
		return Event{}, fmt.Errorf("incomplete completion event %q", payload)
	}
	return event, nil
}
