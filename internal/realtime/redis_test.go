package realtime

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBroker(client), s
}

func TestRedisBrokerDeliversToChatSubscribersOnly(t *testing.T) {
	b, _ := setupRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	other, err := b.Subscribe(ctx, "chat-2")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer other.Unsubscribe()

	author := "user-b"
	if err := b.Publish(ctx, NewInsertEvent("chat-1", Record{ID: 42, Body: "hello", AuthorID: &author})); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ev := receive(t, sub)
	if ev.Record.ID != 42 || ev.Record.Body != "hello" || ev.Record.AuthorID == nil || *ev.Record.AuthorID != author {
		t.Fatalf("unexpected event %+v", ev)
	}
	expectNothing(t, other)
}

func TestRedisBrokerUsesChatChannel(t *testing.T) {
	b, s := setupRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "abc")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if n := s.PubSubNumSub("chat:abc")["chat:abc"]; n != 1 {
		t.Fatalf("subscribers on chat:abc = %d, want 1", n)
	}
}

func TestRedisBrokerNothingAfterUnsubscribe(t *testing.T) {
	b, _ := setupRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Unsubscribe()
	sub.Unsubscribe()

	if err := b.Publish(ctx, NewInsertEvent("chat-1", Record{ID: 1})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}

func TestRedisBrokerDiscardsMalformedPayload(t *testing.T) {
	b, s := setupRedisBroker(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	s.Publish("chat:chat-1", "{not json")
	if err := b.Publish(ctx, NewInsertEvent("chat-1", Record{ID: 9})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := receive(t, sub); ev.Record.ID != 9 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestRedisBrokerSubscribeFailsWhenDown(t *testing.T) {
	b, s := setupRedisBroker(t)
	s.Close()

	if _, err := b.Subscribe(context.Background(), "chat-1"); err == nil {
		t.Fatal("expected subscribe error with redis down")
	}
}
