package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/metorial/chatops/internal/models"
)

const (
	DefaultUsername = "user"
	defaultNickname = "User"
	maxUsernameLen  = 64
)

var ErrInvalidToken = errors.New("invalid identity token")

type UserStore interface {
	GetOrCreateUser(ctx context.Context, username, nickname string) (*models.User, error)
}

// IdentityResolver maps a connection token to a stored user. The token is
// taken as the username; connections without one share DefaultUsername.
type IdentityResolver struct {
	users UserStore
}

func NewIdentityResolver(users UserStore) *IdentityResolver {
	return &IdentityResolver{users: users}
}

// Resolve returns the user for token, creating it on first use. The same
// token always yields the same user ID.
func (r *IdentityResolver) Resolve(ctx context.Context, token string) (*models.User, error) {
	username := strings.TrimSpace(token)
	nickname := username
	if username == "" {
		username = DefaultUsername
		nickname = defaultNickname
	}

	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrInvalidToken, maxUsernameLen)
	}
	if strings.IndexFunc(username, func(r rune) bool { return unicode.IsSpace(r) || !unicode.IsPrint(r) }) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, username)
	}

	user, err := r.users.GetOrCreateUser(ctx, username, nickname)
	if err != nil {
		return nil, fmt.Errorf("resolve user %q: %w", username, err)
	}
	return user, nil
}
