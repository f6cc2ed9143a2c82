package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const needColumns = `id::text, body, created_at, user_id, sharing_code, answers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNeed(row rowScanner) (Need, error) {
	var item Need
	var userID sql.NullString
	var answers []byte
	if err := row.Scan(&item.ID, &item.Body, &item.CreatedAt, &userID, &item.SharingCode, &answers); err != nil {
		return Need{}, err
	}
	if userID.Valid {
		item.UserID = &userID.String
	}
	item.Answers = []Answer{}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &item.Answers); err != nil {
			return Need{}, fmt.Errorf("decode answers for need %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func (s *PostgresStore) InsertNeed(ctx context.Context, item Need) (Need, error) {
	var userID any
	if item.UserID != nil {
		userID = *item.UserID
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO needs (body, user_id, sharing_code)
		VALUES ($1, $2, $3)
		RETURNING `+needColumns,
		item.Body, userID, item.SharingCode,
	)
	created, err := scanNeed(row)
	if err != nil {
		return Need{}, fmt.Errorf("insert need: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetNeed(ctx context.Context, needID string) (Need, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+needColumns+` FROM needs WHERE id=$1`, needID)
	item, err := scanNeed(row)
	if err != nil {
		return Need{}, lookupErr(err)
	}
	return item, nil
}

// GetNeedOwner returns the owning user id (nil for anonymous needs) or sql.ErrNoRows.
func (s *PostgresStore) GetNeedOwner(ctx context.Context, needID string) (*string, error) {
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM needs WHERE id=$1`, needID).Scan(&owner)
	if err != nil {
		return nil, lookupErr(err)
	}
	if !owner.Valid {
		return nil, nil
	}
	return &owner.String, nil
}

func (s *PostgresStore) NeedExists(ctx context.Context, needID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM needs WHERE id::text=$1)`, needID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check need: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) ListNeeds(ctx context.Context, filter NeedFilter) ([]Need, error) {
	query := `SELECT ` + needColumns + ` FROM needs WHERE btrim(body) <> ''`
	var args []any
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, escapeLike(search), search)
		query += fmt.Sprintf(` AND (body ILIKE '%%' || $%d || '%%' OR sharing_code = $%d)`, len(args)-1, len(args))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		query += fmt.Sprintf(` AND user_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list needs: %w", err)
	}
	defer rows.Close()
	return collectNeeds(rows)
}

func (s *PostgresStore) ListNeedsByIDs(ctx context.Context, needIDs []string) ([]Need, error) {
	if len(needIDs) == 0 {
		return []Need{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+needColumns+` FROM needs WHERE id::text = ANY($1)`, needIDs)
	if err != nil {
		return nil, fmt.Errorf("list needs by id: %w", err)
	}
	defer rows.Close()
	return collectNeeds(rows)
}

func collectNeeds(rows *sql.Rows) ([]Need, error) {
	items := make([]Need, 0)
	for rows.Next() {
		item, err := scanNeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan need: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate needs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListNeedIDsByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id::text FROM needs WHERE user_id=$1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list owned needs: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan owned need: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owned needs: %w", err)
	}
	return ids, nil
}

// AppendAnswer adds one answer in a single statement so concurrent answers never overwrite each other.
func (s *PostgresStore) AppendAnswer(ctx context.Context, needID string, answer Answer) error {
	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE needs
		SET answers = answers || jsonb_build_array($2::jsonb)
		WHERE id=$1
	`, needID, string(payload))
	if err != nil {
		if lookupErr(err) == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		return fmt.Errorf("append answer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append answer: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListSaved(ctx context.Context, userID string) ([]SavedPost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.user_id, s.need_id::text, s.reaction,
			n.id::text, n.body, n.created_at, n.user_id, n.sharing_code, n.answers
		FROM saved s
		JOIN needs n ON n.id = s.need_id
		WHERE s.user_id = $1
		ORDER BY s.created_at DESC, s.id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list saved: %w", err)
	}
	defer rows.Close()

	items := make([]SavedPost, 0)
	for rows.Next() {
		var item SavedPost
		var reaction, needOwner sql.NullString
		var answers []byte
		need := Need{}
		if err := rows.Scan(
			&item.ID, &item.CreatedAt, &item.UserID, &item.NeedID, &reaction,
			&need.ID, &need.Body, &need.CreatedAt, &needOwner, &need.SharingCode, &answers,
		); err != nil {
			return nil, fmt.Errorf("scan saved: %w", err)
		}
		if reaction.Valid {
			item.Reaction = &reaction.String
		}
		if needOwner.Valid {
			need.UserID = &needOwner.String
		}
		need.Answers = []Answer{}
		if len(answers) > 0 {
			if err := json.Unmarshal(answers, &need.Answers); err != nil {
				return nil, fmt.Errorf("decode answers for need %s: %w", need.ID, err)
			}
		}
		item.Need = &need
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate saved: %w", err)
	}
	return items, nil
}

// InsertSaved returns ErrAlreadySaved on a duplicate (user, need) and sql.ErrNoRows for an unknown need.
func (s *PostgresStore) InsertSaved(ctx context.Context, item SavedPost) (SavedPost, error) {
	var reaction any
	if item.Reaction != nil {
		reaction = *item.Reaction
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO saved (user_id, need_id, reaction)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, item.UserID, item.NeedID, reaction).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return SavedPost{}, ErrAlreadySaved
		case pgForeignKeyViolation, pgInvalidText:
			return SavedPost{}, sql.ErrNoRows
		}
		return SavedPost{}, fmt.Errorf("insert saved: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) DeleteSaved(ctx context.Context, userID, needID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM saved WHERE user_id=$1 AND need_id::text=$2`, userID, needID)
	if err != nil {
		return fmt.Errorf("delete saved: %w", err)
	}
	return nil
}

const chatColumns = `id::text, created_at, need_post_id::text, chat_initiator_id`

func scanChat(row rowScanner) (Chat, error) {
	var item Chat
	var needID sql.NullString
	if err := row.Scan(&item.ID, &item.CreatedAt, &needID, &item.InitiatorID); err != nil {
		return Chat{}, err
	}
	if needID.Valid {
		item.NeedPostID = &needID.String
	}
	return item, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	item, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chat WHERE id=$1`, chatID))
	if err != nil {
		return Chat{}, lookupErr(err)
	}
	return item, nil
}

// CreateChat inserts the (need, initiator) pair or returns the row that already holds it.
// created reports whether this call inserted the row.
func (s *PostgresStore) CreateChat(ctx context.Context, needID, initiatorID string) (Chat, bool, error) {
	item, err := scanChat(s.db.QueryRowContext(ctx, `
		INSERT INTO chat (need_post_id, chat_initiator_id)
		VALUES ($1, $2)
		ON CONFLICT ON CONSTRAINT chat_need_initiator_unique DO NOTHING
		RETURNING `+chatColumns,
		needID, initiatorID,
	))
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if code := pgCode(err); code == pgForeignKeyViolation || code == pgInvalidText {
			return Chat{}, false, sql.ErrNoRows
		}
		return Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}

	item, err = scanChat(s.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+`
		FROM chat
		WHERE need_post_id=$1 AND chat_initiator_id=$2
	`, needID, initiatorID))
	if err != nil {
		return Chat{}, false, fmt.Errorf("load existing chat: %w", err)
	}
	return item, false, nil
}

func (s *PostgresStore) ListChatsByInitiator(ctx context.Context, initiatorID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chat WHERE chat_initiator_id=$1`, initiatorID)
	if err != nil {
		return nil, fmt.Errorf("list initiated chats: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func (s *PostgresStore) ListChatsByNeeds(ctx context.Context, needIDs []string) ([]Chat, error) {
	if len(needIDs) == 0 {
		return []Chat{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chat WHERE need_post_id::text = ANY($1)`, needIDs)
	if err != nil {
		return nil, fmt.Errorf("list chats for needs: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func collectChats(rows *sql.Rows) ([]Chat, error) {
	items := make([]Chat, 0)
	for rows.Next() {
		item, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

// ListMessages returns the chat's messages with id > afterID in id order.
func (s *PostgresStore) ListMessages(ctx context.Context, chatID string, afterID int64) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id::text, created_at, body, message_author_id
		FROM chat_messages
		WHERE chat_id=$1 AND id > $2
		ORDER BY id ASC
	`, chatID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		var author sql.NullString
		if err := rows.Scan(&item.ID, &item.ChatID, &item.CreatedAt, &item.Body, &author); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if author.Valid {
			item.AuthorID = &author.String
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item ChatMessage) (ChatMessage, error) {
	var author any
	if item.AuthorID != nil {
		author = *item.AuthorID
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (chat_id, body, message_author_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, item.ChatID, item.Body, author).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
