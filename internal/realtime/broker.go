// Package realtime carries chat message inserts from writers to live chat views.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"needtotell/api/internal/store"
)

const (
	EventInsert  = "INSERT"
	TableMessage = "chat_messages"

	subscriptionBuffer = 64
)

// Record is the wire shape of one chat message, shared by the list endpoint and push events.
type Record struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Body      string    `json:"body"`
	AuthorID  *string   `json:"message_author_id"`
}

func RecordFromMessage(m store.ChatMessage) Record {
	return Record{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		Body:      m.Body,
		AuthorID:  m.AuthorID,
	}
}

type Event struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Table   string `json:"table"`
	ChatID  string `json:"chat_id"`
	Record  Record `json:"record"`
}

func NewInsertEvent(chatID string, record Record) Event {
	return Event{
		EventID: uuid.NewString(),
		Type:    EventInsert,
		Table:   TableMessage,
		ChatID:  chatID,
		Record:  record,
	}
}

// Broker fans message inserts out to the subscribers of one chat.
type Broker interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe returns a handle scoped to chatID. The handle is released by Unsubscribe or when
	// ctx ends, whichever comes first.
	Subscribe(ctx context.Context, chatID string) (*Subscription, error)
	Close() error
}

type Subscription struct {
	chatID string
	events chan Event

	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	release func(*Subscription)
	stop    func() bool
}

func newSubscription(chatID string, release func(*Subscription)) *Subscription {
	return &Subscription{
		chatID:  chatID,
		events:  make(chan Event, subscriptionBuffer),
		release: release,
	}
}

// watch ties the subscription to ctx.
func (s *Subscription) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Unsubscribe)
	s.mu.Lock()
	s.stop = stop
	closed := s.closed
	s.mu.Unlock()
	if closed {
		stop()
	}
}

func (s *Subscription) ChatID() string {
	return s.chatID
}

// Events is closed after Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// deliver hands ev to the subscriber without blocking the publisher. It reports false when the
// subscription is closed or its buffer is full.
func (s *Subscription) deliver(ev Event) bool {
	if ev.Type != EventInsert || ev.ChatID != s.chatID {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Unsubscribe is safe to call more than once and from any goroutine.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.release != nil {
			s.release(s)
		}
		s.mu.Lock()
		s.closed = true
		close(s.events)
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}
