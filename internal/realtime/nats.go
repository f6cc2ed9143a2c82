package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"
)

// NATSBroker publishes each insert on subject chat.<id>.insert.
type NATSBroker struct {
	conn *nats.Conn
}

func NewNATSBroker(url string) (*NATSBroker, error) {
	conn, err := nats.Connect(url, nats.Name("needtotell-api"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Printf("realtime: nats connected at %s", conn.ConnectedUrl())
	return &NATSBroker{conn: conn}, nil
}

func subject(chatID string) string {
	return "chat." + chatID + ".insert"
}

func (b *NATSBroker) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.conn.Publish(subject(event.ChatID), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	sub := newSubscription(chatID, nil)
	natsSub, err := b.conn.Subscribe(subject(chatID), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("realtime: discard malformed event on %s: %v", msg.Subject, err)
			return
		}
		if !sub.deliver(event) {
			log.Printf("realtime: dropped event for chat=%s message=%d", chatID, event.Record.ID)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	// Flush so the server has registered interest before the caller replays history.
	if err := b.conn.Flush(); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	sub.release = func(*Subscription) {
		if err := natsSub.Unsubscribe(); err != nil {
			log.Printf("realtime: nats unsubscribe chat=%s: %v", chatID, err)
		}
	}
	sub.watch(ctx)
	return sub, nil
}

func (b *NATSBroker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
