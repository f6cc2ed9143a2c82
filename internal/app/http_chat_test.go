package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestChatScenarioOverHTTP(t *testing.T) {
	w := newChatWorld()
	w.addNeed("N1", strPtr("A"))
	svc := newTestService(w.bind(&fakeStore{}))
	handler := NewHTTPServer(svc, "*").Handler()
	tokenA := issueTestToken(t, svc, "A")
	tokenB := issueTestToken(t, svc, "B")
	tokenD := issueTestToken(t, svc, "D")

	rr := doJSON(t, handler, http.MethodPost, "/api/chat", tokenB, `{"need_post_id":"N1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create chat: %d %s", rr.Code, rr.Body.String())
	}
	created := decodeJSON[map[string]string](t, rr)
	chatID := created["id"]
	if chatID == "" {
		t.Fatalf("expected chat id")
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/chat", tokenB, `{"need_post_id":"N1"}`)
	again := decodeJSON[map[string]string](t, rr)
	if again["id"] != chatID {
		t.Fatalf("second create returned %q, want %q", again["id"], chatID)
	}

	if rr := doJSON(t, handler, http.MethodPost, "/api/chat", tokenA, `{"need_post_id":"N1"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("self chat: expected 400, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, "/api/chat", tokenB, `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing need_post_id: expected 400, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, "/api/chat", tokenB, `{"need_post_id":"N404"}`); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown need: expected 404, got %d", rr.Code)
	}

	messagesPath := "/api/chat/" + chatID + "/messages"
	if rr := doJSON(t, handler, http.MethodPost, messagesPath, tokenB, `{"body":""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, messagesPath, tokenB, `{"body":42}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("non-string body: expected 400, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, messagesPath, tokenB, `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing body: expected 400, got %d", rr.Code)
	}

	var lastID float64
	for _, tc := range []struct{ token, body string }{{tokenB, "hello"}, {tokenA, "hi back"}} {
		rr := doJSON(t, handler, http.MethodPost, messagesPath, tc.token, `{"body":"`+tc.body+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("post message: %d %s", rr.Code, rr.Body.String())
		}
		id := decodeJSON[map[string]float64](t, rr)["id"]
		if id <= lastID {
			t.Fatalf("id %v not greater than %v", id, lastID)
		}
		lastID = id
	}

	if rr := doJSON(t, handler, http.MethodPost, messagesPath, tokenD, `{"body":"let me in"}`); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger post: expected 403, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, messagesPath, tokenD, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger read: expected 403, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/chat/"+chatID, tokenD, ""); rr.Code != http.StatusForbidden {
		t.Fatalf("stranger chat detail: expected 403, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, messagesPath, "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous read: expected 401, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/chat/missing/messages", tokenA, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("missing chat: expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, handler, http.MethodGet, messagesPath, tokenA, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("owner read: %d", rr.Code)
	}
	rows := decodeJSON[[]map[string]any](t, rr)
	if len(rows) != 2 || rows[0]["body"] != "hello" || rows[1]["body"] != "hi back" {
		t.Fatalf("unexpected rows: %v", rows)
	}
	for _, key := range []string{"id", "created_at", "body", "message_author_id"} {
		if _, ok := rows[0][key]; !ok {
			t.Fatalf("row missing %q: %v", key, rows[0])
		}
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/chat/"+chatID, tokenA, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("chat detail: %d %s", rr.Code, rr.Body.String())
	}
	detail := decodeJSON[map[string]map[string]any](t, rr)
	if detail["chat"]["id"] != chatID || detail["need"]["id"] != "N1" {
		t.Fatalf("unexpected detail: %v", detail)
	}
}

func TestListChatsHTTP(t *testing.T) {
	w := newScenarioWorld()
	svc := newTestService(w.bind(&fakeStore{}))
	handler := NewHTTPServer(svc, "*").Handler()

	if rr := doJSON(t, handler, http.MethodGet, "/api/chat", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr := doJSON(t, handler, http.MethodGet, "/api/chat", issueTestToken(t, svc, "lonely"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := bytes.TrimSpace(rr.Body.Bytes()); string(body) != "[]" {
		t.Fatalf("expected [], got %s", body)
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/chat", issueTestToken(t, svc, "A"), "")
	chats := decodeJSON[[]map[string]any](t, rr)
	if len(chats) != 1 || chats[0]["id"] != "C1" {
		t.Fatalf("owner should see C1, got %v", chats)
	}
	need, ok := chats[0]["need"].(map[string]any)
	if !ok || need["sharing_code"] != "code-N1" {
		t.Fatalf("expected embedded need, got %v", chats[0]["need"])
	}
}

func TestRevokedTokenIsUnauthorized(t *testing.T) {
	revoked := map[string]bool{}
	fs := newScenarioWorld().bind(&fakeStore{})
	fs.revokeAccessTokenFn = func(_ context.Context, jti string, _ time.Time) error {
		revoked[jti] = true
		return nil
	}
	fs.isAccessTokenRevokedFn = func(_ context.Context, jti string) (bool, error) {
		return revoked[jti], nil
	}
	svc := newTestService(fs)
	handler := NewHTTPServer(svc, "*").Handler()
	token := issueTestToken(t, svc, "B")

	if rr := doJSON(t, handler, http.MethodGet, "/api/chat", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 before logout, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, "/api/session/logout", token, ""); rr.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/chat", token, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rr.Code)
	}
}
