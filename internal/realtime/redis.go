package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroker fans events out across API instances through Redis Pub/Sub, one channel per chat.
type RedisBroker struct {
	client *redis.Client
	prefix string
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, prefix: "chat:"}
}

func (b *RedisBroker) channel(chatID string) string {
	return b.prefix + chatID
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event.ChatID), payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel(chatID))
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	var wg sync.WaitGroup
	sub := newSubscription(chatID, func(*Subscription) {
		_ = pubsub.Close()
		wg.Wait()
	})

	messages := pubsub.Channel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range messages {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("realtime: discard malformed event on %s: %v", msg.Channel, err)
				continue
			}
			if !sub.deliver(event) {
				log.Printf("realtime: dropped event for chat=%s message=%d", chatID, event.Record.ID)
			}
		}
	}()

	sub.watch(ctx)
	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
