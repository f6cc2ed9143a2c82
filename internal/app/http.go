package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"needtotell/api/internal/auth"
	"needtotell/api/internal/ratelimit"
	"needtotell/api/internal/realtime"
	"needtotell/api/internal/search"
)

const streamKeepAlive = 15 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *ratelimit.Pool
	keepAlive  time.Duration
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	cfg := service.Config()
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    ratelimit.NewPool(cfg.WriteRPS, cfg.WriteBurst),
		keepAlive:  streamKeepAlive,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// RateLimiter is exposed so the process can sweep idle buckets.
func (s *HTTPServer) RateLimiter() *ratelimit.Pool {
	return s.limiter
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "session":
		s.handleSession(w, r, parts[2:])
		return
	case "posts":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleListPosts(w, r)
			return
		}
	case "needs":
		if len(parts) == 2 && r.Method == http.MethodPost {
			s.handleCreateNeed(w, r)
			return
		}
	case "answers":
		if len(parts) == 2 && r.Method == http.MethodPost {
			s.handleAddAnswer(w, r)
			return
		}
	case "saved":
		if len(parts) == 2 {
			s.handleSaved(w, r)
			return
		}
	case "search":
		if len(parts) == 2 && r.Method == http.MethodGet {
			s.handleSearch(w, r)
			return
		}
	case "chat":
		s.handleChat(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		session, err := s.optionalSession(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if session == nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userId": nil, "email": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"email":         session.Email,
		})

	case len(rest) == 1 && rest[0] == "logout" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if err := s.service.Logout(r.Context(), session); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case len(rest) == 1 && rest[0] == "dev-login" && r.Method == http.MethodPost && s.service.Config().DevLogin:
		var body struct {
			UserID string `json:"userId"`
			Email  string `json:"email"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.DevLogin(r.Context(), body.UserID, body.Email)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"userId":    session.UserID,
			"email":     session.Email,
			"expiresAt": session.ExpiresAt,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	ownerID := strings.TrimSpace(query.Get("user_id"))
	if ownerID != "" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if session.UserID != ownerID {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Cannot list another user's posts", nil)
			return
		}
	}

	result, err := s.service.ListPosts(r.Context(), PostsQuery{
		Page:    page,
		Search:  query.Get("search"),
		OwnerID: ownerID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateNeed(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.optionalSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ownerID := ""
	if session != nil {
		ownerID = session.UserID
	}

	result, err := s.service.CreateNeed(r.Context(), body.Body, ownerID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAddAnswer(w http.ResponseWriter, r *http.Request) {
	if !s.allowWrite(w, r) {
		return
	}
	var body struct {
		PostID string `json:"postId"`
		Answer string `json:"answer"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.optionalSession(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	authorID := ""
	if session != nil {
		authorID = session.UserID
	}

	result, err := s.service.AddAnswer(r.Context(), body.PostID, body.Answer, authorID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSaved(w http.ResponseWriter, r *http.Request) {
	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		items, err := s.service.ListSaved(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var body struct {
			NeedID   string  `json:"need_id"`
			Reaction *string `json:"reaction"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		saved, err := s.service.SavePost(r.Context(), session.UserID, body.NeedID, body.Reaction)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.service.UnsavePost(r.Context(), session.UserID, r.URL.Query().Get("need_id")); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:   query.Get("q"),
		Limit:  limit,
		Offset: offset,
	}))
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			chats, err := s.service.ListChats(r.Context(), session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, chats)
			return
		case http.MethodPost:
			session, ok := s.requireSession(w, r)
			if !ok {
				return
			}
			var body struct {
				NeedPostID string `json:"need_post_id"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			chatID, err := s.service.CreateChat(r.Context(), body.NeedPostID, session.UserID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": chatID})
			return
		}
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	chatID := rest[0]
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		detail, err := s.service.GetChat(r.Context(), chatID, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodGet:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		messages, err := s.service.ListMessages(r.Context(), chatID, session.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)

	case len(rest) == 2 && rest[1] == "messages" && r.Method == http.MethodPost:
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			Body *string `json:"body"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		text := ""
		if body.Body != nil {
			text = *body.Body
		}
		id, err := s.service.PostMessage(r.Context(), chatID, session.UserID, text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})

	case len(rest) == 2 && rest[1] == "events" && r.Method == http.MethodGet:
		s.handleChatEvents(w, r, chatID)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleChatEvents streams INSERT events for one chat as Server-Sent Events. Rows the client
// already has (Last-Event-ID or ?after=) are replayed past that point and never sent twice.
func (s *HTTPServer) handleChatEvents(w http.ResponseWriter, r *http.Request, chatID string) {
	session, ok := s.requireStreamSession(w, r)
	if !ok {
		return
	}
	after, replay, err := streamCursor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	stream, err := s.service.OpenStream(r.Context(), chatID, session.UserID, after, replay)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer stream.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	timeline := realtime.NewTimeline()
	send := func(ev realtime.Event) error {
		if ev.Record.ID <= stream.After || len(timeline.Add(ev.Record)) == 0 {
			return nil
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Record.ID, ev.Type, payload); err != nil {
			return err
		}
		return rc.Flush()
	}

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		log.Printf("realtime: stream for chat %s cannot flush: %v", chatID, err)
		return
	}
	for _, rec := range stream.Backlog {
		if err := send(realtime.NewInsertEvent(chatID, rec)); err != nil {
			return
		}
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	events := stream.Subscription.Events()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := send(ev); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// streamCursor reads the resume point. Last-Event-ID wins over ?after= since the browser sets it on
// reconnect.
func streamCursor(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		if !r.URL.Query().Has("after") {
			return 0, false, nil
		}
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0, true, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, false, errors.New("after must be a non-negative message id")
	}
	return after, true, nil
}

func (s *HTTPServer) allowWrite(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter.Allow(clientKey(r)) {
		return true
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
	return false
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	return s.authenticate(w, r, bearerToken(r))
}

// requireStreamSession also accepts ?access_token= since EventSource cannot send headers.
func (s *HTTPServer) requireStreamSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return s.authenticate(w, r, token)
}

func (s *HTTPServer) authenticate(w http.ResponseWriter, r *http.Request, token string) (Session, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		log.Printf("app: session lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

// optionalSession returns nil for anonymous callers and for tokens that do not verify.
func (s *HTTPServer) optionalSession(r *http.Request) (*Session, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		s.service.Metrics().ObserveRequest(routeLabel(r.URL.Path), writer.status, elapsed)
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			elapsed.Milliseconds(),
		)
	})
}

// routeLabel collapses chat ids so the request metrics stay low-cardinality.
func routeLabel(path string) string {
	parts := splitPath(path)
	switch {
	case len(parts) == 0:
		return "other"
	case len(parts) == 1 && parts[0] == "metrics":
		return "/metrics"
	case parts[0] != "api" || len(parts) < 2:
		return "other"
	case parts[1] == "chat" && len(parts) >= 3:
		parts[2] = ":id"
		if len(parts) > 4 {
			return "other"
		}
	case len(parts) > 3:
		return "other"
	}
	return "/" + strings.Join(parts, "/")
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer for flushes and deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	return uuid.NewString()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Last-Event-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
