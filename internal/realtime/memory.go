package realtime

import (
	"context"
	"errors"
	"log"
	"sync"
)

var ErrBrokerClosed = errors.New("realtime broker closed")

// MemoryBroker delivers events inside one process. It is the default for single-instance deployments.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*Subscription]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for sub := range b.subs[event.ChatID] {
		if !sub.deliver(event) {
			log.Printf("realtime: dropped event for slow subscriber chat=%s message=%d", event.ChatID, event.Record.ID)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, chatID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	sub := newSubscription(chatID, b.remove)
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[*Subscription]struct{})
	}
	b.subs[chatID][sub] = struct{}{}
	sub.watch(ctx)
	return sub, nil
}

func (b *MemoryBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[sub.chatID], sub)
	if len(b.subs[sub.chatID]) == 0 {
		delete(b.subs, sub.chatID)
	}
}

// Subscribers reports the number of live subscriptions for chatID.
func (b *MemoryBroker) Subscribers(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chatID])
}

// Close releases every live subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var live []*Subscription
	for _, set := range b.subs {
		for sub := range set {
			live = append(live, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range live {
		sub.Unsubscribe()
	}
	return nil
}
