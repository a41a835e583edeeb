package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so every statement sees the
	// same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer at a time. A single pooled connection
	// serializes transactions instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func tableExists(db *sql.DB, name string) bool {
	var count int
	_ = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&count)
	return count > 0
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, definition string) error {
	_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	if err != nil && strings.Contains(err.Error(), "duplicate column") {
		return nil
	}
	return err
}

func (s *SQLiteStore) migrate() error {
	// Databases created before display names existed only carry usernames.
	legacyUsers := tableExists(s.db, "users")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL COLLATE NOCASE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			name TEXT NOT NULL DEFAULT '',
			pair_key TEXT UNIQUE,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_participants_user_id ON participants(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_kind ON conversations(kind)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	if legacyUsers {
		if err := s.addColumnIfNotExists("users", "display_name", "TEXT NOT NULL DEFAULT ''"); err != nil {
			return fmt.Errorf("add column users.display_name: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: users.username") {
		return ErrUserExists
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at FROM users WHERE id = ?", id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *SQLiteStore) SearchUsers(ctx context.Context, prefix, excludeID string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name, role, created_at FROM users
		 WHERE username LIKE ? ESCAPE '\' AND id != ?
		 ORDER BY username LIMIT ?`,
		likePrefix(prefix), excludeID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

// --- Conversations ---

// GetOrCreateDirect returns the direct conversation between a and b, creating
// it if needed. Lookup and creation share one transaction, and the unique
// pair_key makes a lost race a no-op rather than a duplicate.
func (s *SQLiteStore) GetOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	key := PairKey(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (kind, name, pair_key, created_by, created_at)
		 VALUES ('direct', '', ?, ?, ?) ON CONFLICT(pair_key) DO NOTHING`,
		key, a, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert direct conversation: %w", err)
	}
	created, _ := res.RowsAffected()

	var c Conversation
	err = tx.QueryRowContext(ctx,
		"SELECT id, kind, name, created_by, created_at FROM conversations WHERE pair_key = ?", key,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select direct conversation: %w", err)
	}

	if created > 0 {
		for _, uid := range []string{a, b} {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)",
				c.ID, uid, time.Now().UTC(),
			); err != nil {
				return nil, fmt.Errorf("insert participant: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, ownerID, name string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (kind, name, pair_key, created_by, created_at) VALUES ('group', ?, NULL, ?, ?)",
		name, ownerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)",
		id, ownerID, now,
	); err != nil {
		return nil, fmt.Errorf("insert owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Conversation{ID: id, Kind: KindGroup, Name: name, CreatedBy: ownerID, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, name, created_by, created_at FROM conversations WHERE id = ?", id,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID int64, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var kind string
	err = tx.QueryRowContext(ctx, "SELECT kind FROM conversations WHERE id = ?", conversationID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		return false, err
	}
	if kind != KindGroup {
		return false, ErrNotGroup
	}

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO participants (conversation_id, user_id, joined_at) VALUES (?, ?, ?)",
		conversationID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM participants WHERE conversation_id = ? ORDER BY joined_at, user_id",
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Members(ctx context.Context, conversationID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.display_name
		 FROM participants p JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = ?
		 ORDER BY p.joined_at, p.user_id`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.UserID, &m.Username, &m.DisplayName); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) GroupsOf(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.kind, c.name, c.created_by, c.created_at
		 FROM conversations c JOIN participants p ON p.conversation_id = c.id
		 WHERE p.user_id = ? AND c.kind = 'group'
		 ORDER BY c.id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
