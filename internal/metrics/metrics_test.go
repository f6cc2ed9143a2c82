package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndExposition(t *testing.T) {
	m := New()
	m.ObserveRequest("/api/chat", 200, 15*time.Millisecond)
	m.ObserveRequest("/api/chat", 200, 5*time.Millisecond)
	m.ObserveRequest("/api/chat", 403, time.Millisecond)
	m.MessagePosted()
	m.ChatCreated()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if got := testutil.ToFloat64(m.requests.WithLabelValues("/api/chat", "200")); got != 2 {
		t.Fatalf("requests 200 = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.subscriptions); got != 1 {
		t.Fatalf("subscriptions = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{
		"needtotell_http_requests_total",
		"needtotell_chat_messages_posted_total 1",
		"needtotell_chats_created_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("exposition missing %q", name)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.MessagePosted()
	if got := testutil.ToFloat64(b.messagesPosted); got != 0 {
		t.Fatalf("registries leaked state: %v", got)
	}
}
