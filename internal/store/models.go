package store

import "time"

// Need is an anonymous post. UserID is nil for posts made without a session.
type Need struct {
	ID          string
	Body        string
	CreatedAt   time.Time
	UserID      *string
	SharingCode string
	Answers     []Answer
}

// Answer is stored inline in needs.answers, so it carries its own JSON shape.
type Answer struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  *string   `json:"author_id,omitempty"`
}

type NeedFilter struct {
	// Search matches the body case-insensitively or a sharing code exactly.
	Search  string
	OwnerID string
}

type SavedPost struct {
	ID        int64
	CreatedAt time.Time
	UserID    string
	NeedID    string
	Reaction  *string
	Need      *Need
}

type Chat struct {
	ID          string
	CreatedAt   time.Time
	NeedPostID  *string
	InitiatorID string
}

type ChatMessage struct {
	ID        int64
	ChatID    string
	CreatedAt time.Time
	Body      string
	AuthorID  *string
}
