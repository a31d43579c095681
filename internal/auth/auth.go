package auth

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/metadata"
)

// TokenPrefix marks execution credentials issued by this service.
const TokenPrefix = "rbs_"

// CredentialIssuer obtains an execution credential for a user. Workers present
// the credential when they call back with results.
type CredentialIssuer interface {
	IssueSession(ctx context.Context, username string) (string, error)
}

// Authenticator validates incoming worker callbacks and returns the session owner.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Principal is the user an execution credential was issued for.
type Principal struct {
	UserID   int64
	Username string
}

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUserNotFound is returned when a credential is requested for a user
	// that does not exist or is no longer active.
	ErrUserNotFound = errors.New("user not found")
)

// ExtractBearerToken extracts an rbs_ session token from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := values[0]
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", ErrUnauthenticated
	}
	return token, nil
}
