package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// createTestUser is a helper that inserts a user and returns it.
func createTestUser(t *testing.T, s Store, username string) *User {
	t.Helper()
	u := &User{
		ID:           uuid.New().String(),
		Username:     username,
		DisplayName:  username + " display",
		PasswordHash: "hash-" + username,
		Role:         "user",
		CreatedAt:    time.Now(),
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("createTestUser(%s): %v", username, err)
	}
	return u
}

func TestSQLiteMigrationIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUserLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := createTestUser(t, s, "Alice")

	got, err := s.GetUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != alice.ID {
		t.Fatalf("GetUser(alice) = %+v, want id %s", got, alice.ID)
	}
	if got.DisplayName != "Alice display" {
		t.Errorf("display name = %q", got.DisplayName)
	}

	byID, err := s.GetUserByID(ctx, alice.ID)
	if err != nil || byID == nil || byID.Username != "Alice" {
		t.Fatalf("GetUserByID = %+v, %v", byID, err)
	}

	missing, err := s.GetUser(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown user, got %+v", missing)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	createTestUser(t, s, "bob")

	dup := &User{ID: uuid.New().String(), Username: "BOB", PasswordHash: "x", Role: "user", CreatedAt: time.Now()}
	err := s.CreateUser(context.Background(), dup)
	if !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	me := createTestUser(t, s, "alex")
	createTestUser(t, s, "alice")
	createTestUser(t, s, "albert")
	createTestUser(t, s, "bob")
	createTestUser(t, s, "al_x")

	users, err := s.SearchUsers(ctx, "AL", me.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, u := range users {
		names = append(names, u.Username)
		if u.ID == me.ID {
			t.Error("search result includes the caller")
		}
	}
	want := []string{"al_x", "albert", "alice"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}

	// The underscore is literal, not a single-character wildcard.
	users, err = s.SearchUsers(ctx, "al_", me.ID, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Username != "al_x" {
		t.Errorf("escaped search = %+v", users)
	}

	users, err = s.SearchUsers(ctx, "a", me.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 {
		t.Errorf("limit not applied: %d results", len(users))
	}
}

func TestGetOrCreateDirectSymmetric(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestUser(t, s, "a")
	b := createTestUser(t, s, "b")

	ab, err := s.GetOrCreateDirect(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := s.GetOrCreateDirect(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ab.ID != ba.ID {
		t.Fatalf("asymmetric: %d vs %d", ab.ID, ba.ID)
	}
	if ab.Kind != KindDirect {
		t.Errorf("kind = %q, want direct", ab.Kind)
	}

	members, err := s.Participants(ctx, ab.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("participants = %v, want 2", members)
	}
}

func TestGetOrCreateDirectSelf(t *testing.T) {
	s := newTestStore(t)
	a := createTestUser(t, s, "solo")
	_, err := s.GetOrCreateDirect(context.Background(), a.ID, a.ID)
	if !errors.Is(err, ErrSelfConversation) {
		t.Fatalf("expected ErrSelfConversation, got %v", err)
	}
}

func TestGetOrCreateDirectConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestUser(t, s, "racer-a")
	b := createTestUser(t, s, "racer-b")

	const n = 16
	ids := make([]int64, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			x, y := a.ID, b.ID
			if i%2 == 1 {
				x, y = y, x
			}
			c, err := s.GetOrCreateDirect(ctx, x, y)
			if err != nil {
				return err
			}
			ids[i] = c.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got conversation %d, caller 0 got %d", i, ids[i], ids[0])
		}
	}

	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE kind = 'direct'").Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("direct conversation rows = %d, want 1", rows)
	}
}

func TestGroupMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "owner")
	guest := createTestUser(t, s, "guest")

	g, err := s.CreateGroup(ctx, owner.ID, "book club")
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsGroup() || g.Name != "book club" {
		t.Fatalf("unexpected group: %+v", g)
	}

	added, err := s.AddParticipant(ctx, g.ID, guest.ID)
	if err != nil || !added {
		t.Fatalf("AddParticipant = %v, %v", added, err)
	}
	added, err = s.AddParticipant(ctx, g.ID, guest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Error("second AddParticipant reported a new row")
	}

	members, err := s.Participants(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v", members)
	}

	joined, err := s.Members(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(joined) != 2 {
		t.Fatalf("Members = %+v", joined)
	}
	for _, m := range joined {
		switch m.UserID {
		case owner.ID:
			if m.Username != "owner" || m.Name() != "owner display" {
				t.Errorf("owner row = %+v", m)
			}
		case guest.ID:
			if m.Username != "guest" || m.Name() != "guest display" {
				t.Errorf("guest row = %+v", m)
			}
		default:
			t.Errorf("unexpected member %+v", m)
		}
	}

	groups, err := s.GroupsOf(ctx, guest.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || groups[0].ID != g.ID {
		t.Fatalf("GroupsOf = %+v", groups)
	}
}

func TestAddParticipantRejectsDirectAndMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestUser(t, s, "da")
	b := createTestUser(t, s, "db")
	c := createTestUser(t, s, "dc")

	direct, err := s.GetOrCreateDirect(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddParticipant(ctx, direct.ID, c.ID); !errors.Is(err, ErrNotGroup) {
		t.Errorf("direct: expected ErrNotGroup, got %v", err)
	}
	if _, err := s.AddParticipant(ctx, 9999, c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing: expected ErrConversationNotFound, got %v", err)
	}

	groups, err := s.GroupsOf(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 0 {
		t.Errorf("direct conversation listed as group: %+v", groups)
	}
}

func TestConcurrentJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createTestUser(t, s, "host")
	g, err := s.CreateGroup(ctx, owner.ID, "lobby")
	if err != nil {
		t.Fatal(err)
	}

	var users []*User
	for _, name := range []string{"j1", "j2", "j3", "j4", "j5"} {
		users = append(users, createTestUser(t, s, name))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := s.AddParticipant(ctx, g.ID, id); err != nil {
					t.Errorf("AddParticipant: %v", err)
				}
			}(u.ID)
		}
	}
	wg.Wait()

	members, err := s.Participants(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != len(users)+1 {
		t.Fatalf("members = %d, want %d", len(members), len(users)+1)
	}
}

func TestGetConversationMissing(t *testing.T) {
	s := newTestStore(t)
	c, err := s.GetConversation(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("expected nil, got %+v", c)
	}
}
