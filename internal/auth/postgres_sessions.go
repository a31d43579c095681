package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/reviewbot/internal/cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// prefixLen is how many token characters are stored in clear for lookup.
const prefixLen = 12

// SessionStore abstracts DB queries for testability.
type SessionStore interface {
	LookupUser(ctx context.Context, username string) (*userRow, error)
	InsertSession(ctx context.Context, row *sessionRow) error
	LookupByPrefix(ctx context.Context, prefix string) ([]*sessionRow, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type userRow struct {
	ID       int64
	Username string
	Active   bool
}

type sessionRow struct {
	ID        string
	UserID    int64
	Username  string
	Prefix    string
	TokenHash string
	ExpiresAt time.Time
}

// sqlSessionStore is the real implementation using *sql.DB.
type sqlSessionStore struct {
	db *sql.DB
}

func (s *sqlSessionStore) LookupUser(ctx context.Context, username string) (*userRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, is_active
		FROM reviewbot_users
		WHERE username = $1
	`, username)

	var r userRow
	if err := row.Scan(&r.ID, &r.Username, &r.Active); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlSessionStore) InsertSession(ctx context.Context, r *sessionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviewbot_sessions (id, user_id, token_prefix, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, r.ID, r.UserID, r.Prefix, r.TokenHash, r.ExpiresAt)
	return err
}

func (s *sqlSessionStore) LookupByPrefix(ctx context.Context, prefix string) ([]*sessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, u.username, s.token_prefix, s.token_hash, s.expires_at
		FROM reviewbot_sessions s
		JOIN reviewbot_users u ON u.id = s.user_id
		WHERE s.token_prefix = $1 AND s.expires_at > now() AND u.is_active
	`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.Prefix, &r.TokenHash, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *sqlSessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reviewbot_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PostgresSessions issues execution credentials for users in reviewbot_users and
// validates them on worker callbacks.
type PostgresSessions struct {
	store      SessionStore
	cache      *cache.TTL[string, *Principal]
	sessionTTL time.Duration
	logger     *zap.Logger
}

// PostgresSessionsConfig configures PostgresSessions.
type PostgresSessionsConfig struct {
	DB         *sql.DB
	CacheTTL   time.Duration
	SessionTTL time.Duration
	Logger     *zap.Logger
}

// NewPostgresSessions creates a new PostgresSessions.
func NewPostgresSessions(cfg PostgresSessionsConfig) *PostgresSessions {
	return NewPostgresSessionsWithStore(&sqlSessionStore{db: cfg.DB}, cfg.CacheTTL, cfg.SessionTTL, cfg.Logger)
}

// NewPostgresSessionsWithStore creates sessions with a custom store (for testing).
func NewPostgresSessionsWithStore(store SessionStore, cacheTTL, sessionTTL time.Duration, logger *zap.Logger) *PostgresSessions {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if sessionTTL == 0 {
		sessionTTL = 24 * time.Hour
	}
	return &PostgresSessions{
		store:      store,
		cache:      cache.New[string, *Principal](cacheTTL),
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

func (p *PostgresSessions) IssueSession(ctx context.Context, username string) (string, error) {
	user, err := p.store.LookupUser(ctx, username)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !user.Active) {
		return "", fmt.Errorf("IssueSession %q: %w", username, ErrUserNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("IssueSession: %w", err)
	}

	token := TokenPrefix + rand.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("IssueSession: %w", err)
	}

	row := &sessionRow{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Username:  user.Username,
		Prefix:    token[:prefixLen],
		TokenHash: string(hash),
		ExpiresAt: time.Now().Add(p.sessionTTL),
	}
	if err := p.store.InsertSession(ctx, row); err != nil {
		return "", fmt.Errorf("IssueSession: %w", err)
	}
	p.pruneExpired(ctx)

	p.logger.Debug("issued execution session",
		zap.String("username", user.Username),
		zap.String("session_id", row.ID),
	)
	return token, nil
}

// pruneExpired drops sessions past their expiry. Errors are logged, never returned.
func (p *PostgresSessions) pruneExpired(ctx context.Context) {
	n, err := p.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		p.logger.Warn("failed to prune expired sessions", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Debug("pruned expired sessions", zap.Int64("count", n))
	}
}

func (p *PostgresSessions) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	cached := p.cache.Get(token)
	if cached.Hit {
		if cached.NeedsRefresh {
			go p.refreshInBackground(token)
		}
		return cached.Value, nil
	}

	principal, err := p.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	p.cache.Set(token, principal)
	return principal, nil
}

func (p *PostgresSessions) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	if len(token) <= prefixLen {
		return nil, ErrUnauthenticated
	}

	rows, err := p.store.LookupByPrefix(ctx, token[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	for _, r := range rows {
		if bcrypt.CompareHashAndPassword([]byte(r.TokenHash), []byte(token)) == nil {
			return &Principal{UserID: r.UserID, Username: r.Username}, nil
		}
	}
	return nil, ErrUnauthenticated
}

func (p *PostgresSessions) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := p.authenticateFromDB(ctx, token)
	if errors.Is(err, ErrUnauthenticated) {
		p.cache.Delete(token)
		return
	}
	if err != nil {
		p.logger.Warn("background session refresh failed", zap.Error(err))
		return
	}
	p.cache.Set(token, principal)
}
