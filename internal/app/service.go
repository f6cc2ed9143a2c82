package app

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"needtotell/api/internal/auth"
	"needtotell/api/internal/config"
	"needtotell/api/internal/metrics"
	"needtotell/api/internal/realtime"
	"needtotell/api/internal/search"
	"needtotell/api/internal/store"
)

type Session struct {
	Token     string
	UserID    string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type dataStore interface {
	GetNeed(context.Context, string) (store.Need, error)
	GetNeedOwner(context.Context, string) (*string, error)
	NeedExists(context.Context, string) (bool, error)
	InsertNeed(context.Context, store.Need) (store.Need, error)
	ListNeeds(context.Context, store.NeedFilter) ([]store.Need, error)
	ListNeedsByIDs(context.Context, []string) ([]store.Need, error)
	ListNeedIDsByOwner(context.Context, string) ([]string, error)
	AppendAnswer(context.Context, string, store.Answer) error
	ListSaved(context.Context, string) ([]store.SavedPost, error)
	InsertSaved(context.Context, store.SavedPost) (store.SavedPost, error)
	DeleteSaved(context.Context, string, string) error
	GetChat(context.Context, string) (store.Chat, error)
	CreateChat(context.Context, string, string) (store.Chat, bool, error)
	ListChatsByInitiator(context.Context, string) ([]store.Chat, error)
	ListChatsByNeeds(context.Context, []string) ([]store.Chat, error)
	ListMessages(context.Context, string, int64) ([]store.ChatMessage, error)
	InsertMessage(context.Context, store.ChatMessage) (store.ChatMessage, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

// revocationStore is satisfied by session.RedisStore and by the Postgres store.
type revocationStore interface {
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type feedCache interface {
	Needs(context.Context) ([]store.Need, int64, bool, error)
	StoreNeeds(context.Context, int64, []store.Need) error
	Invalidate(context.Context) error
}

type needSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexNeed(store.Need)
}

// Dependencies are the optional collaborators of Service. Nil fields fall back to Postgres-only or
// in-process behaviour.
type Dependencies struct {
	Revocations revocationStore
	Broker      realtime.Broker
	FeedCache   feedCache
	Search      needSearch
	Metrics     *metrics.Metrics
}

type Service struct {
	cfg         config.Config
	store       dataStore
	revocations revocationStore
	broker      realtime.Broker
	feed        feedCache
	search      needSearch
	metrics     *metrics.Metrics
	shuffle     func([]store.Need)
	now         func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, deps Dependencies) *Service {
	return newService(cfg, dataStore, deps)
}

func newService(cfg config.Config, ds dataStore, deps Dependencies) *Service {
	s := &Service{
		cfg:         cfg,
		store:       ds,
		revocations: deps.Revocations,
		broker:      deps.Broker,
		feed:        deps.FeedCache,
		search:      deps.Search,
		metrics:     deps.Metrics,
		shuffle:     shuffleNeeds,
		now:         time.Now,
	}
	if s.revocations == nil {
		s.revocations = ds
	}
	if s.broker == nil {
		s.broker = realtime.NewMemoryBroker()
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func shuffleNeeds(needs []store.Need) {
	rand.Shuffle(len(needs), func(i, j int) { needs[i], needs[j] = needs[j], needs[i] })
}

func (s *Service) Config() config.Config {
	return s.cfg
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken verifies token and rejects it if its jti was revoked by a logout.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token, s.cfg.JWTIssuer)
	if err != nil {
		return Session{}, err
	}
	if claims.ID != "" {
		revoked, err := s.revocations.IsAccessTokenRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return Session{}, auth.ErrInvalidToken
		}
	}

	session := Session{
		Token:  token,
		UserID: claims.UserID(),
		Email:  claims.Email,
		JTI:    claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// Logout revokes the session's token until it expires. Tokens without a jti cannot be revoked
// individually and simply run out.
func (s *Service) Logout(ctx context.Context, session Session) error {
	if session.JTI == "" {
		log.Printf("app: logout for user %s without jti, nothing to revoke", session.UserID)
		return nil
	}
	if err := s.revocations.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// DevLogin mints a token for an arbitrary user id. Routed only when DevLogin is enabled.
func (s *Service) DevLogin(_ context.Context, userID, email string) (Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Session{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "userId is required", nil)
	}
	ttl := s.cfg.AccessTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now()
	claims := auth.Claims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			Issuer:    s.cfg.JWTIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    userID,
		Email:     claims.Email,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// publishContext detaches the push from the request so a client hanging up right after its write
// does not cancel delivery to the other participant.
func publishContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
}
