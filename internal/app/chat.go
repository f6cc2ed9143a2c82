package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"needtotell/api/internal/rbac"
	"needtotell/api/internal/realtime"
	"needtotell/api/internal/store"
)

const maxMessageLength = 4000

type NeedSummary struct {
	ID          string    `json:"id"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
	UserID      *string   `json:"user_id"`
	SharingCode string    `json:"sharing_code"`
}

type ChatSummary struct {
	ID         string       `json:"id"`
	CreatedAt  time.Time    `json:"created_at"`
	NeedPostID *string      `json:"need_post_id"`
	Need       *NeedSummary `json:"need"`
}

type ChatView struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	NeedPostID  *string   `json:"need_post_id"`
	InitiatorID string    `json:"chat_initiator_id"`
}

type NeedDetail struct {
	NeedSummary
	Answers []AnswerView `json:"answers"`
}

type ChatDetail struct {
	Chat ChatView    `json:"chat"`
	Need *NeedDetail `json:"need"`
}

func summarizeNeed(n store.Need) NeedSummary {
	return NeedSummary{
		ID:          n.ID,
		Body:        n.Body,
		CreatedAt:   n.CreatedAt,
		UserID:      n.UserID,
		SharingCode: n.SharingCode,
	}
}

// ChatAccess resolves the role userID holds in chatID. A missing chat is reported as sql.ErrNoRows;
// any other error is a lookup failure.
func (s *Service) ChatAccess(ctx context.Context, chatID, userID string) (store.Chat, rbac.Role, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Chat{}, rbac.RoleNone, sql.ErrNoRows
		}
		return store.Chat{}, rbac.RoleNone, fmt.Errorf("lookup chat %s: %w", chatID, err)
	}
	if userID != "" && chat.InitiatorID == userID {
		return chat, rbac.RoleInitiator, nil
	}
	if chat.NeedPostID == nil {
		return chat, rbac.RoleNone, nil
	}

	owner, err := s.GetNeedOwner(ctx, *chat.NeedPostID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat, rbac.RoleNone, nil
		}
		return store.Chat{}, rbac.RoleNone, fmt.Errorf("lookup need owner for chat %s: %w", chatID, err)
	}
	ownerID := ""
	if owner != nil {
		ownerID = *owner
	}
	return chat, rbac.Resolve(userID, chat.InitiatorID, ownerID), nil
}

// IsAuthorized reports whether userID may read and post in chatID. A missing chat is simply false.
func (s *Service) IsAuthorized(ctx context.Context, chatID, userID string) (bool, error) {
	_, role, err := s.ChatAccess(ctx, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.Can(role, rbac.ActionRead), nil
}

// AuthorizeChat turns the three outcomes of ChatAccess into 404, 403 and 500 errors.
func (s *Service) AuthorizeChat(ctx context.Context, chatID, userID string, action rbac.Action) (store.Chat, error) {
	chat, role, err := s.ChatAccess(ctx, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chat{}, domainError(http.StatusNotFound, "NOT_FOUND", "Chat not found", nil)
	}
	if err != nil {
		log.Printf("app: chat authorization failed chat=%s: %v", chatID, err)
		return store.Chat{}, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Chat lookup failed", nil)
	}
	if !rbac.Can(role, action) {
		return store.Chat{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this chat", nil)
	}
	return chat, nil
}

// CreateChat returns the chat for (needID, initiatorID), creating it on first use.
func (s *Service) CreateChat(ctx context.Context, needID, initiatorID string) (string, error) {
	needID = strings.TrimSpace(needID)
	if needID == "" {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "need_post_id required", nil)
	}

	exists, err := s.NeedExists(ctx, needID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Need not found", nil)
	}
	owner, err := s.GetNeedOwner(ctx, needID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Need not found", nil)
	}
	if err != nil {
		return "", err
	}
	if owner != nil && *owner == initiatorID {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Cannot start a chat about your own need", nil)
	}

	chat, created, err := s.store.CreateChat(ctx, needID, initiatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Need not found", nil)
	}
	if err != nil {
		return "", err
	}
	if created {
		s.metrics.ChatCreated()
	}
	return chat.ID, nil
}

// ListChats returns the chats userID started plus the chats about needs userID owns, newest first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]ChatSummary, error) {
	initiated, err := s.store.ListChatsByInitiator(ctx, userID)
	if err != nil {
		return nil, err
	}
	ownedNeedIDs, err := s.store.ListNeedIDsByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	owned, err := s.store.ListChatsByNeeds(ctx, ownedNeedIDs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]store.Chat, len(initiated)+len(owned))
	for _, chat := range initiated {
		byID[chat.ID] = chat
	}
	for _, chat := range owned {
		byID[chat.ID] = chat
	}
	chats := make([]store.Chat, 0, len(byID))
	needIDs := make([]string, 0, len(byID))
	seenNeed := map[string]bool{}
	for _, chat := range byID {
		chats = append(chats, chat)
		if chat.NeedPostID != nil && !seenNeed[*chat.NeedPostID] {
			seenNeed[*chat.NeedPostID] = true
			needIDs = append(needIDs, *chat.NeedPostID)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].CreatedAt.Equal(chats[j].CreatedAt) {
			return chats[i].CreatedAt.After(chats[j].CreatedAt)
		}
		return chats[i].ID > chats[j].ID
	})

	needs, err := s.store.ListNeedsByIDs(ctx, needIDs)
	if err != nil {
		return nil, err
	}
	needByID := make(map[string]store.Need, len(needs))
	for _, need := range needs {
		needByID[need.ID] = need
	}

	items := make([]ChatSummary, 0, len(chats))
	for _, chat := range chats {
		item := ChatSummary{ID: chat.ID, CreatedAt: chat.CreatedAt, NeedPostID: chat.NeedPostID}
		if chat.NeedPostID != nil {
			if need, ok := needByID[*chat.NeedPostID]; ok {
				summary := summarizeNeed(need)
				item.Need = &summary
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// GetChat returns the chat and its need (with answers) to a participant.
func (s *Service) GetChat(ctx context.Context, chatID, userID string) (ChatDetail, error) {
	chat, err := s.AuthorizeChat(ctx, chatID, userID, rbac.ActionRead)
	if err != nil {
		return ChatDetail{}, err
	}
	detail := ChatDetail{Chat: ChatView{
		ID:          chat.ID,
		CreatedAt:   chat.CreatedAt,
		NeedPostID:  chat.NeedPostID,
		InitiatorID: chat.InitiatorID,
	}}
	if chat.NeedPostID == nil {
		return detail, nil
	}
	need, err := s.store.GetNeed(ctx, *chat.NeedPostID)
	if errors.Is(err, sql.ErrNoRows) {
		return detail, nil
	}
	if err != nil {
		return ChatDetail{}, err
	}
	detail.Need = &NeedDetail{NeedSummary: summarizeNeed(need), Answers: answerViews(need.Answers)}
	return detail, nil
}

func (s *Service) ListMessages(ctx context.Context, chatID, userID string) ([]realtime.Record, error) {
	if _, err := s.AuthorizeChat(ctx, chatID, userID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.messagesAfter(ctx, chatID, 0)
}

func (s *Service) messagesAfter(ctx context.Context, chatID string, afterID int64) ([]realtime.Record, error) {
	messages, err := s.store.ListMessages(ctx, chatID, afterID)
	if err != nil {
		return nil, err
	}
	records := make([]realtime.Record, 0, len(messages))
	for _, m := range messages {
		records = append(records, realtime.RecordFromMessage(m))
	}
	return records, nil
}

// PostMessage stores body in chatID and pushes the insert to live subscribers. The returned id is
// valid even if the push fails.
func (s *Service) PostMessage(ctx context.Context, chatID, authorID, body string) (int64, error) {
	chat, err := s.AuthorizeChat(ctx, chatID, authorID, rbac.ActionPost)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(body) == "" {
		return 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Message body is required", nil)
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return 0, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Message body is too long", map[string]any{"max": maxMessageLength})
	}

	author := authorID
	message, err := s.store.InsertMessage(ctx, store.ChatMessage{ChatID: chat.ID, Body: body, AuthorID: &author})
	if err != nil {
		return 0, err
	}
	s.metrics.MessagePosted()

	pubCtx, cancel := publishContext(ctx)
	defer cancel()
	if err := s.broker.Publish(pubCtx, realtime.NewInsertEvent(chat.ID, realtime.RecordFromMessage(message))); err != nil {
		s.metrics.PublishFailed()
		log.Printf("realtime: publish message %d to chat %s: %v", message.ID, chat.ID, err)
	}
	return message.ID, nil
}

// Stream is an open realtime view of one chat. Backlog holds rows the caller asked to replay.
type Stream struct {
	Subscription *realtime.Subscription
	Backlog      []realtime.Record
	// After is the highest id the client already holds; later pushes at or below it are dropped.
	After int64

	once    sync.Once
	release func()
}

// Close is idempotent.
func (st *Stream) Close() {
	st.once.Do(st.release)
}

// OpenStream subscribes a participant to chatID. The subscription is taken before the backlog
// query so no insert falls between the two.
func (s *Service) OpenStream(ctx context.Context, chatID, userID string, after int64, replay bool) (*Stream, error) {
	chat, err := s.AuthorizeChat(ctx, chatID, userID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	sub, err := s.broker.Subscribe(ctx, chat.ID)
	if err != nil {
		return nil, fmt.Errorf("subscribe to chat %s: %w", chat.ID, err)
	}
	s.metrics.StreamOpened()

	stream := &Stream{Subscription: sub, After: after, release: func() {
		sub.Unsubscribe()
		s.metrics.StreamClosed()
	}}

	if replay {
		backlog, err := s.messagesAfter(ctx, chat.ID, after)
		if err != nil {
			stream.Close()
			return nil, err
		}
		stream.Backlog = backlog
	}
	return stream, nil
}
