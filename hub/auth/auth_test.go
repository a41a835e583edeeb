package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/store"
)

const testSecret = "test-secret-at-least-32-chars-long"

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: 1 * time.Hour},
	}

	return NewService(s, cfg), s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Username: "admin",
		Password: "admin-password",
	}

	// First bootstrap should create the admin user
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if user.Role != "admin" {
		t.Errorf("Role: got %q, want %q", user.Role, "admin")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", n)
	}

	// Bootstrap with nil should be a no-op
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestVerify(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret123", "Alice Liddell", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != "user" {
		t.Errorf("default role = %q", user.Role)
	}

	id, err := svc.Verify(ctx, "ALICE", "secret123")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != user.ID || id.DisplayName != "Alice Liddell" {
		t.Errorf("identity = %+v", id)
	}

	if _, err := svc.Verify(ctx, "alice", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, err := svc.Verify(ctx, "nobody", "secret123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		role     string
		want     error
	}{
		{"empty username", "", "secret123", "user", ErrInvalidUser},
		{"short password", "bob", "abc", "user", ErrInvalidUser},
		{"whitespace", "bob smith", "secret123", "user", ErrInvalidUser},
		{"bad role", "bob", "secret123", "root", ErrInvalidUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.username, tt.password, "", tt.role)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := svc.Register(ctx, "carol", "secret123", "", "user"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "Carol", "secret123", "", "user"); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate: got %v", err)
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "secret123", "", "user")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Token should be a valid JWT (three dot-separated parts)
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected JWT with 3 parts, got %d", len(parts))
	}

	identity, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if identity.UserID != user.ID {
		t.Errorf("UserID: got %q, want %q", identity.UserID, user.ID)
	}
	if identity.DisplayName != "alice" {
		t.Errorf("DisplayName falls back to username, got %q", identity.DisplayName)
	}

	if _, err := svc.ValidateToken(ctx, token+"x"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("tampered token: got %v", err)
	}
}

func TestExpiredToken(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc := NewService(s, config.AuthConfig{
		JWTSecret: testSecret,
		JWTExpiry: config.Duration{Duration: -1 * time.Hour}, // expired 1h ago
	})
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "secret123", "", "user"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "alice", "secret123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for expired token, got %v", err)
	}
}

func TestTokenForDeletedUser(t *testing.T) {
	svc, _ := newTestAuthService(t)
	token, err := svc.IssueToken(&Identity{UserID: "ghost", Username: "ghost", Role: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestDirectoryLookups(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	me, err := svc.Register(ctx, "sam", "secret123", "Sam", "")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"sally", "sandra", "tom"} {
		if _, err := svc.Register(ctx, name, "secret123", "", ""); err != nil {
			t.Fatal(err)
		}
	}

	found, err := svc.Find(ctx, "sa", me.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("Find(sa) = %+v", found)
	}
	for _, id := range found {
		if id.UserID == me.ID {
			t.Error("Find returned the caller")
		}
	}

	limited, err := svc.WithSearchLimit(1).Find(ctx, "s", me.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d results", len(limited))
	}

	name, err := svc.NameOf(ctx, me.ID)
	if err != nil || name != "Sam" {
		t.Errorf("NameOf = %q, %v", name, err)
	}
	if _, err := svc.NameOf(ctx, "missing"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("NameOf(missing) = %v", err)
	}

	id, err := svc.IdentityOf(ctx, "TOM")
	if err != nil || id.Username != "tom" {
		t.Errorf("IdentityOf = %+v, %v", id, err)
	}
	if _, err := svc.IdentityOf(ctx, "nobody"); !errors.Is(err, ErrUnknownIdentity) {
		t.Errorf("IdentityOf(nobody) = %v", err)
	}
}
