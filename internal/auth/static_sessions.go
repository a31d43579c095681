package auth

import (
	"context"
	"fmt"
	"strings"
)

// StaticSessions is a development-only issuer and authenticator. Tokens encode
// the username directly and are accepted without a database.
type StaticSessions struct {
	users map[string]int64
}

// NewStaticSessions accepts the given usernames. IDs are assigned in order starting at 1.
func NewStaticSessions(usernames ...string) *StaticSessions {
	users := make(map[string]int64, len(usernames))
	for i, name := range usernames {
		users[name] = int64(i + 1)
	}
	return &StaticSessions{users: users}
}

func (s *StaticSessions) IssueSession(_ context.Context, username string) (string, error) {
	if _, ok := s.users[username]; !ok {
		return "", fmt.Errorf("IssueSession %q: %w", username, ErrUserNotFound)
	}
	return TokenPrefix + "static_" + username, nil
}

func (s *StaticSessions) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	username, ok := strings.CutPrefix(token, TokenPrefix+"static_")
	if !ok {
		return nil, ErrUnauthenticated
	}
	id, ok := s.users[username]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &Principal{UserID: id, Username: username}, nil
}
