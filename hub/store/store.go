// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	SearchUsers(ctx context.Context, prefix, excludeID string, limit int) ([]User, error)
	CountUsers(ctx context.Context) (int, error)

	// Conversations
	GetOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error)
	CreateGroup(ctx context.Context, ownerID, name string) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	AddParticipant(ctx context.Context, conversationID int64, userID string) (bool, error)
	Participants(ctx context.Context, conversationID int64) ([]string, error)
	Members(ctx context.Context, conversationID int64) ([]Member, error)
	GroupsOf(ctx context.Context, userID string) ([]Conversation, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

var (
	// ErrUserExists is returned by CreateUser when the username is taken.
	ErrUserExists = errors.New("username already exists")
	// ErrConversationNotFound is returned when a conversation id does not exist.
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrSelfConversation is returned when a direct conversation would have one member.
	ErrSelfConversation = errors.New("direct conversation requires two distinct users")
	// ErrNotGroup is returned when a group-only operation targets a direct conversation.
	ErrNotGroup = errors.New("conversation is not a group")
)

// Conversation kinds. The kind is fixed at creation.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// User represents a hub user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // "admin" or "user"
	CreatedAt    time.Time `json:"created_at"`
}

// Name returns the display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Conversation is a direct pair or a named group.
type Conversation struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Member is a participant joined with its user row.
type Member struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

// Name returns the display name, falling back to the username.
func (m *Member) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Username
}

// IsGroup reports whether the conversation is a group.
func (c *Conversation) IsGroup() bool { return c.Kind == KindGroup }

// PairKey returns the canonical key for the unordered pair {a, b}.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// likePrefix escapes LIKE metacharacters in p and appends a trailing wildcard.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "%"
}
