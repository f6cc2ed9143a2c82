package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestSubjectNaming(t *testing.T) {
	if got := subject("c1"); got != "chat.c1.insert" {
		t.Fatalf("subject = %q", got)
	}
}

func TestNATSBrokerRoundTrip(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("NEEDTOTELL_TEST_NATS_URL"))
	if url == "" {
		t.Skip("NEEDTOTELL_TEST_NATS_URL is not set")
	}
	b, err := NewNATSBroker(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "chat-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(ctx, NewInsertEvent("chat-1", Record{ID: 3})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ev := receive(t, sub); ev.Record.ID != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	sub.Unsubscribe()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed events channel")
	}
}
