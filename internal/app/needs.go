package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"needtotell/api/internal/search"
	"needtotell/api/internal/store"
	"needtotell/api/internal/util"
)

const (
	defaultPageSize = 50
	maxNeedLength   = 5000
	maxAnswerLength = 2000
)

type AnswerView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type PostView struct {
	ID          string       `json:"id"`
	Date        string       `json:"date"`
	Content     string       `json:"content"`
	Answers     []AnswerView `json:"answers"`
	SharingCode string       `json:"sharing_code"`
}

type PostsPage struct {
	Posts   []PostView `json:"posts"`
	HasMore bool       `json:"hasMore"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
}

type PostsQuery struct {
	Page    int
	Search  string
	OwnerID string
}

// WriteResult is the acknowledgement returned by the need and answer endpoints.
type WriteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	ID      string `json:"id"`
}

type SavedView struct {
	ID        int64        `json:"id"`
	CreatedAt time.Time    `json:"created_at"`
	UserID    string       `json:"user_id"`
	NeedID    string       `json:"need_id"`
	Reaction  *string      `json:"reaction"`
	Need      *NeedSummary `json:"need,omitempty"`
}

// Author ids stay in storage; answers are shown anonymously.
func answerViews(answers []store.Answer) []AnswerView {
	views := make([]AnswerView, 0, len(answers))
	for _, a := range answers {
		views = append(views, AnswerView{ID: a.ID, Content: a.Content, CreatedAt: a.CreatedAt})
	}
	return views
}

func postView(n store.Need) PostView {
	return PostView{
		ID:          n.ID,
		Date:        n.CreatedAt.Format("01/2006"),
		Content:     n.Body,
		Answers:     answerViews(n.Answers),
		SharingCode: n.SharingCode,
	}
}

func savedView(item store.SavedPost) SavedView {
	view := SavedView{
		ID:        item.ID,
		CreatedAt: item.CreatedAt,
		UserID:    item.UserID,
		NeedID:    item.NeedID,
		Reaction:  item.Reaction,
	}
	if item.Need != nil {
		summary := summarizeNeed(*item.Need)
		view.Need = &summary
	}
	return view
}

func (s *Service) pageSize() int {
	if s.cfg.PageSize <= 0 {
		return defaultPageSize
	}
	return s.cfg.PageSize
}

// loadNeeds serves the unfiltered feed from the cache when one is configured. The fill is tagged
// with the generation read on the miss, so a write that invalidates in between is never overwritten.
func (s *Service) loadNeeds(ctx context.Context, filter store.NeedFilter) ([]store.Need, error) {
	cacheable := s.feed != nil && filter.Search == "" && filter.OwnerID == ""
	var generation int64
	if cacheable {
		needs, gen, ok, err := s.feed.Needs(ctx)
		if err != nil {
			log.Printf("cache: read feed: %v", err)
			cacheable = false
		} else if ok {
			return needs, nil
		}
		generation = gen
	}

	needs, err := s.store.ListNeeds(ctx, filter)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := s.feed.StoreNeeds(ctx, generation, needs); err != nil {
			log.Printf("cache: write feed: %v", err)
		}
	}
	return needs, nil
}

func (s *Service) invalidateFeed(ctx context.Context) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Invalidate(ctx); err != nil {
		log.Printf("cache: invalidate feed: %v", err)
	}
}

// ListPosts returns one shuffled page of non-empty needs. Pages are zero-based.
func (s *Service) ListPosts(ctx context.Context, query PostsQuery) (PostsPage, error) {
	page := query.Page
	if page < 0 {
		page = 0
	}
	filter := store.NeedFilter{Search: strings.TrimSpace(query.Search), OwnerID: query.OwnerID}

	needs, err := s.loadNeeds(ctx, filter)
	if err != nil {
		if !s.cfg.DemoFallback {
			return PostsPage{}, err
		}
		log.Printf("app: list posts failed, serving demo posts: %v", err)
		needs = samplePosts(s.now())
	}

	shuffled := make([]store.Need, len(needs))
	copy(shuffled, needs)
	s.shuffle(shuffled)

	size := s.pageSize()
	total := len(shuffled)
	posts := make([]PostView, 0, size)
	hasMore := false
	// Checked before multiplying so a huge page number cannot overflow the offset.
	if page <= total/size {
		start := page * size
		end := min(start+size, total)
		for _, need := range shuffled[start:end] {
			posts = append(posts, postView(need))
		}
		hasMore = end < total
	}
	return PostsPage{
		Posts:   posts,
		HasMore: hasMore,
		Total:   total,
		Page:    page,
	}, nil
}

// CreateNeed stores an anonymous post. ownerID is empty when the caller has no session.
func (s *Service) CreateNeed(ctx context.Context, body, ownerID string) (WriteResult, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return WriteResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Need body is required", nil)
	}
	if utf8.RuneCountInString(body) > maxNeedLength {
		return WriteResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Need body is too long", map[string]any{"max": maxNeedLength})
	}

	item := store.Need{Body: body, SharingCode: util.NewSharingCode()}
	if ownerID != "" {
		item.UserID = &ownerID
	}
	created, err := s.store.InsertNeed(ctx, item)
	if err != nil {
		if !s.cfg.DemoFallback {
			return WriteResult{}, err
		}
		log.Printf("app: insert need failed, acknowledging in demo mode: %v", err)
		return WriteResult{Success: true, Message: "Need saved (fallback)", ID: util.NewID("fallback")}, nil
	}

	s.invalidateFeed(ctx)
	if s.search != nil {
		s.search.IndexNeed(created)
	}
	return WriteResult{Success: true, Message: "Need saved", ID: created.ID}, nil
}

// AddAnswer appends an answer to postID. authorID is empty for anonymous callers.
func (s *Service) AddAnswer(ctx context.Context, postID, content, authorID string) (WriteResult, error) {
	postID = strings.TrimSpace(postID)
	content = strings.TrimSpace(content)
	if postID == "" || content == "" {
		return WriteResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "postId and answer are required", nil)
	}
	if utf8.RuneCountInString(content) > maxAnswerLength {
		return WriteResult{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Answer is too long", map[string]any{"max": maxAnswerLength})
	}

	answer := store.Answer{ID: uuid.NewString(), Content: content, CreatedAt: s.now().UTC()}
	if authorID != "" {
		answer.AuthorID = &authorID
	}
	err := s.store.AppendAnswer(ctx, postID, answer)
	if errors.Is(err, sql.ErrNoRows) {
		return WriteResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Post not found", nil)
	}
	if err != nil {
		if !s.cfg.DemoFallback {
			return WriteResult{}, err
		}
		log.Printf("app: append answer failed, acknowledging in demo mode: %v", err)
		return WriteResult{Success: true, Message: "Answer saved (fallback)", ID: util.NewID("fallback")}, nil
	}

	s.invalidateFeed(ctx)
	return WriteResult{Success: true, Message: "Answer saved", ID: answer.ID}, nil
}

func (s *Service) ListSaved(ctx context.Context, userID string) ([]SavedView, error) {
	items, err := s.store.ListSaved(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]SavedView, 0, len(items))
	for _, item := range items {
		views = append(views, savedView(item))
	}
	return views, nil
}

func (s *Service) SavePost(ctx context.Context, userID, needID string, reaction *string) (SavedView, error) {
	needID = strings.TrimSpace(needID)
	if needID == "" {
		return SavedView{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "need_id required", nil)
	}
	if reaction != nil {
		trimmed := strings.TrimSpace(*reaction)
		if trimmed == "" {
			reaction = nil
		} else {
			reaction = &trimmed
		}
	}

	saved, err := s.store.InsertSaved(ctx, store.SavedPost{UserID: userID, NeedID: needID, Reaction: reaction})
	switch {
	case errors.Is(err, store.ErrAlreadySaved):
		return SavedView{}, domainError(http.StatusBadRequest, "ALREADY_SAVED", "Post already saved", nil)
	case errors.Is(err, sql.ErrNoRows):
		return SavedView{}, domainError(http.StatusNotFound, "NOT_FOUND", "Need not found", nil)
	case err != nil:
		return SavedView{}, err
	}
	return savedView(saved), nil
}

func (s *Service) UnsavePost(ctx context.Context, userID, needID string) error {
	needID = strings.TrimSpace(needID)
	if needID == "" {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "need_id required", nil)
	}
	return s.store.DeleteSaved(ctx, userID, needID)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" || s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// NeedExists and GetNeedOwner are the post-store lookups the chat directory is built on.
func (s *Service) NeedExists(ctx context.Context, needID string) (bool, error) {
	exists, err := s.store.NeedExists(ctx, needID)
	if err != nil {
		return false, fmt.Errorf("check need %s: %w", needID, err)
	}
	return exists, nil
}

// GetNeedOwner returns nil for anonymous needs and sql.ErrNoRows for unknown ones.
func (s *Service) GetNeedOwner(ctx context.Context, needID string) (*string, error) {
	return s.store.GetNeedOwner(ctx, needID)
}

// samplePosts is what demo mode shows when the store is unreachable.
func samplePosts(now time.Time) []store.Need {
	bodies := []string{
		"I need someone to tell me it is okay to rest.",
		"I need to say out loud that I miss my old friends.",
		"I need to admit I am scared of starting over.",
		"I need a reminder that small steps still count.",
	}
	needs := make([]store.Need, 0, len(bodies))
	for i, body := range bodies {
		needs = append(needs, store.Need{
			ID:          util.NewID("sample"),
			Body:        body,
			CreatedAt:   now.Add(-time.Duration(i) * 24 * time.Hour),
			SharingCode: util.NewSharingCode(),
			Answers:     []store.Answer{},
		})
	}
	return needs
}
