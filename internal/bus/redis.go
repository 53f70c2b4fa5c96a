package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phishing-support/pipeline/internal/pkg/logger"
)

// historyTTL keeps replay buffers from accumulating forever for topics
// nobody subscribes to again.
const historyTTL = 24 * time.Hour

// RedisBus is the network transport for deployments where the API and the
// pipeline run in separate processes. Live events go over pub/sub; replay
// history is kept in a capped list per topic.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus creates a Redis-backed event bus.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func historyKey(topic string) string {
	return "events:history:" + topic
}

// Publish appends payload to the topic's history list and broadcasts it.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	pipe := b.client.Pipeline()
	pipe.RPush(ctx, historyKey(topic), data)
	pipe.LTrim(ctx, historyKey(topic), -MaxEventHistory, -1)
	pipe.Expire(ctx, historyKey(topic), historyTTL)
	pipe.Publish(ctx, topic, data)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe replays the topic's history list, then relays pub/sub messages.
func (b *RedisBus) Subscribe(topic string) (*Subscription, error) {
	ctx := context.Background()

	pubsub := b.client.Subscribe(ctx, topic)
	// Force the subscription onto the wire before reading history, so no
	// event published after the replay snapshot is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	history, err := b.client.LRange(ctx, historyKey(topic), 0, -1).Result()
	if err != nil && err != redis.Nil {
		pubsub.Close()
		return nil, err
	}

	sub := newSubscription(func() {
		if err := pubsub.Close(); err != nil {
			logger.Debug("event subscription close", "topic", topic, "error", err.Error())
		}
	})

	for _, past := range history {
		sub.enqueue([]byte(past))
	}

	go func() {
		for msg := range pubsub.Channel() {
			sub.enqueue([]byte(msg.Payload))
		}
		sub.Close()
	}()

	return sub, nil
}

// Close closes the underlying Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
