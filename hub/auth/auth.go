// Package auth provides authentication and the identity directory for the hub.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUnknownIdentity    = errors.New("unknown identity")
	ErrInvalidUser        = errors.New("invalid user")
)

// DefaultSearchLimit caps Find results when no limit is configured.
const DefaultSearchLimit = 50

// Claims represents the JWT token claims.
type Claims struct {
	UserID      string `json:"uid"`
	Username    string `json:"usr"`
	DisplayName string `json:"dn,omitempty"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// registration is validated before a user row is written.
type registration struct {
	Username    string `validate:"required,min=2,max=64"`
	Password    string `validate:"required,min=6,max=72"`
	DisplayName string `validate:"max=128"`
	Role        string `validate:"oneof=admin user"`
}

// Service handles authentication operations and resolves identities.
// It implements Provider and LoginProvider.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	searchLimit  int
	initialAdmin *config.InitialAdmin
	validate     *validator.Validate
	issuer       *IssuerVerifier // optional
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		searchLimit:  DefaultSearchLimit,
		initialAdmin: cfg.InitialAdmin,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// WithIssuer makes ValidateToken also accept tokens from an external issuer.
func (s *Service) WithIssuer(v *IssuerVerifier) *Service {
	s.issuer = v
	return s
}

// WithSearchLimit overrides the maximum number of Find results.
func (s *Service) WithSearchLimit(n int) *Service {
	if n > 0 {
		s.searchLimit = n
	}
	return s
}

// Bootstrap creates the initial admin user if configured.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	return s.BootstrapAdmin(ctx, s.initialAdmin)
}

// BootstrapAdmin creates the initial admin user from the given config.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	_, err = s.Register(ctx, admin.Username, admin.Password, admin.Username, "admin")
	if errors.Is(err, ErrUserExists) {
		return nil
	}
	return err
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Verify checks a username/password pair and returns the matching identity.
func (s *Service) Verify(ctx context.Context, username, password string) (*Identity, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return identityFromUser(user), nil
}

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	id, err := s.Verify(ctx, username, password)
	if err != nil {
		return "", err
	}
	return s.IssueToken(id)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, displayName, role string) (*store.User, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if role == "" {
		role = "user"
	}

	reg := registration{Username: username, Password: password, DisplayName: displayName, Role: role}
	if err := s.validate.Struct(reg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if strings.ContainsFunc(username, unicode.IsSpace) {
		return nil, fmt.Errorf("%w: username must not contain whitespace", ErrInvalidUser)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

// Find returns identities whose username starts with prefix, excluding one id.
func (s *Service) Find(ctx context.Context, prefix, excludeID string) ([]Identity, error) {
	users, err := s.store.SearchUsers(ctx, prefix, excludeID, s.searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return lo.Map(users, func(u store.User, _ int) Identity {
		return *identityFromUser(&u)
	}), nil
}

// NameOf returns the display name of an identity.
func (s *Service) NameOf(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrUnknownIdentity
	}
	return user.Name(), nil
}

// IdentityOf resolves a username to an identity.
func (s *Service) IdentityOf(ctx context.Context, username string) (*Identity, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrUnknownIdentity
	}
	return identityFromUser(user), nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		if s.issuer == nil {
			return nil, err
		}
		return s.validateIssuerToken(ctx, tokenStr)
	}

	// Tokens outlive account changes; the user must still exist.
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}
	return identityFromUser(user), nil
}

// validateIssuerToken resolves an external token to a local user by username.
func (s *Service) validateIssuerToken(ctx context.Context, tokenStr string) (*Identity, error) {
	username, err := s.issuer.Username(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, ErrUnauthorized
	}
	return identityFromUser(user), nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

// IssueToken signs a JWT for the identity.
func (s *Service) IssueToken(id *Identity) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:      id.UserID,
		Username:    id.Username,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func identityFromUser(u *store.User) *Identity {
	return &Identity{
		UserID:      u.ID,
		Username:    u.Username,
		DisplayName: u.Name(),
		Role:        u.Role,
	}
}
