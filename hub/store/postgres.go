package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func pgTableExists(db *sql.DB, name string) bool {
	var exists bool
	_ = db.QueryRow("SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name=$1)", name).Scan(&exists)
	return exists
}

func (s *PostgresStore) migrate() error {
	legacyUsers := pgTableExists(s.db, "users")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_lower ON users (lower(username))`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id BIGSERIAL PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('direct', 'group')),
			name TEXT NOT NULL DEFAULT '',
			pair_key TEXT UNIQUE,
			created_by TEXT NOT NULL REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id BIGINT NOT NULL REFERENCES conversations(id),
			user_id TEXT NOT NULL REFERENCES users(id),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
		if _, err := s.db.Exec(`ALTER TABLE users ADD COLUMN IF NOT EXISTS display_name TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add column users.display_name: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, role, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, user.Role, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at FROM users WHERE lower(username) = lower($1)", username,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, password_hash, role, created_at FROM users WHERE id = $1", id,
	).Scan(&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &u, err
}

func (s *PostgresStore) SearchUsers(ctx context.Context, prefix, excludeID string, limit int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name, role, created_at FROM users
		 WHERE username ILIKE $1 ESCAPE '\' AND id <> $2
		 ORDER BY username LIMIT $3`,
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

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n)
	return n, err
}

// --- Conversations ---

// GetOrCreateDirect inserts with ON CONFLICT DO NOTHING so that concurrent
// callers for the same pair block on the unique index and then read the
// winner's row.
func (s *PostgresStore) GetOrCreateDirect(ctx context.Context, a, b string) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	key := PairKey(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var c Conversation
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (kind, name, pair_key, created_by, created_at)
		 VALUES ('direct', '', $1, $2, NOW())
		 ON CONFLICT (pair_key) DO NOTHING
		 RETURNING id, kind, name, created_by, created_at`,
		key, a,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)

	switch {
	case err == nil:
		for _, uid := range []string{a, b} {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				c.ID, uid,
			); err != nil {
				return nil, fmt.Errorf("insert participant: %w", err)
			}
		}
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx,
			"SELECT id, kind, name, created_by, created_at FROM conversations WHERE pair_key = $1", key,
		).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("select direct conversation: %w", err)
		}
	default:
		return nil, fmt.Errorf("insert direct conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateGroup(ctx context.Context, ownerID, name string) (*Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	c := Conversation{Kind: KindGroup, Name: name, CreatedBy: ownerID}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO conversations (kind, name, pair_key, created_by, created_at)
		 VALUES ('group', $1, NULL, $2, NOW()) RETURNING id, created_at`,
		name, ownerID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2)",
		c.ID, ownerID,
	); err != nil {
		return nil, fmt.Errorf("insert owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, kind, name, created_by, created_at FROM conversations WHERE id = $1", id,
	).Scan(&c.ID, &c.Kind, &c.Name, &c.CreatedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &c, err
}

func (s *PostgresStore) AddParticipant(ctx context.Context, conversationID int64, userID string) (bool, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, "SELECT kind FROM conversations WHERE id = $1", conversationID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrConversationNotFound
	}
	if err != nil {
		return false, err
	}
	if kind != KindGroup {
		return false, ErrNotGroup
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		conversationID, userID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY joined_at, user_id",
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

func (s *PostgresStore) Members(ctx context.Context, conversationID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.display_name
		 FROM participants p JOIN users u ON u.id = p.user_id
		 WHERE p.conversation_id = $1
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

func (s *PostgresStore) GroupsOf(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.kind, c.name, c.created_by, c.created_at
		 FROM conversations c JOIN participants p ON p.conversation_id = c.id
		 WHERE p.user_id = $1 AND c.kind = 'group'
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
