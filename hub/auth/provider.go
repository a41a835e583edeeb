package auth

import (
	"context"

	"github.com/amurg-ai/chathub/hub/store"
)

// Identity is the resolved, immutable view of a user.
type Identity struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"` // "admin" or "user"
}

// IsAdmin reports whether the identity carries the admin role.
func (i *Identity) IsAdmin() bool { return i.Role == "admin" }

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password, displayName, role string) (*store.User, error)
}

var (
	_ Provider      = (*Service)(nil)
	_ LoginProvider = (*Service)(nil)
)
