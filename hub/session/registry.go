// Package session tracks live connections and the identities bound to them.
//
// The Registry is the single source of truth for who is online. It keeps two
// indices, connection id to session and identity to session, and updates them
// together under one lock. Nothing in this package performs I/O.
package session

import (
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/amurg-ai/chathub/pkg/protocol"
)

var (
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrDuplicateLogin       = errors.New("identity already has a live session")
	ErrEvicted              = errors.New("session was replaced by a newer login")
	ErrUnknownSession       = errors.New("session is not registered")
)

// Conn is the outbound half of a live connection.
type Conn interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// Send queues a response without blocking. It reports false when the
	// response was dropped.
	Send(resp protocol.Response) bool
	// Reply queues the answer to the connection's own request. Unlike Send it
	// may wait briefly for queue space, and it closes the connection rather
	// than drop the reply while leaving the connection open.
	Reply(resp protocol.Response) bool
	// Close closes the connection. It is safe to call more than once.
	Close()
}

// DuplicatePolicy decides what happens when an identity logs in on a second connection.
type DuplicatePolicy int

const (
	// ReplaceExisting binds the identity to the new connection and evicts the old one.
	ReplaceExisting DuplicatePolicy = iota
	// RejectNew refuses the second login.
	RejectNew
)

// ParsePolicy maps a config value to a DuplicatePolicy. Unknown values replace.
func ParsePolicy(s string) DuplicatePolicy {
	if s == "reject" {
		return RejectNew
	}
	return ReplaceExisting
}

func (p DuplicatePolicy) String() string {
	if p == RejectNew {
		return "reject"
	}
	return "replace"
}

// Session is the state of one live connection.
type Session struct {
	conn        Conn
	connectedAt time.Time

	mu          sync.Mutex
	identity    string
	username    string
	displayName string
	evicted     bool
	hints       map[int64]string
}

// Conn returns the owning connection.
func (s *Session) Conn() Conn { return s.conn }

// ConnectedAt returns when the session was registered.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Identity returns the bound identity. ok is false until login succeeds and
// again after the session has been evicted.
func (s *Session) Identity() (id string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == "" || s.evicted {
		return "", false
	}
	return s.identity, true
}

// Username returns the login name, or "" before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// DisplayName returns the display name, or "" before login.
func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Evicted reports whether a newer login for the same identity replaced this session.
func (s *Session) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

// Hints returns a copy of the conversation hints recorded for this session.
func (s *Session) Hints() map[int64]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.hints)
}

// Presence is a live, authenticated recipient.
type Presence struct {
	Identity    string
	DisplayName string
	Conn        Conn
	ConnectedAt time.Time
}

// Registry maps connections to sessions and identities to their live session.
type Registry struct {
	policy DuplicatePolicy
	now    func() time.Time

	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(policy DuplicatePolicy) *Registry {
	return &Registry{
		policy: policy,
		now:    time.Now,
		byConn: make(map[string]*Session),
		byUser: make(map[string]*Session),
	}
}

// Policy returns the configured duplicate-login policy.
func (r *Registry) Policy() DuplicatePolicy { return r.policy }

// Register creates an unauthenticated session for conn. Registering the same
// connection twice returns the existing session.
func (r *Registry) Register(conn Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byConn[conn.ID()]; ok {
		return s
	}
	s := &Session{
		conn:        conn,
		connectedAt: r.now(),
		hints:       make(map[int64]string),
	}
	r.byConn[conn.ID()] = s
	return s
}

// Authenticate binds an identity to the session and publishes it as the live
// session for that identity. If another session already held the identity and
// the policy is ReplaceExisting, that session is marked evicted and returned so
// the caller can notify and close it.
func (r *Registry) Authenticate(s *Session, identity, username, displayName string) (replaced *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byConn[s.conn.ID()] != s {
		return nil, ErrUnknownSession
	}

	s.mu.Lock()
	switch {
	case s.evicted:
		s.mu.Unlock()
		return nil, ErrEvicted
	case s.identity != "":
		s.mu.Unlock()
		return nil, ErrAlreadyAuthenticated
	}
	s.mu.Unlock()

	prev := r.byUser[identity]
	if prev != nil && prev != s {
		if r.policy == RejectNew {
			return nil, ErrDuplicateLogin
		}
		prev.mu.Lock()
		prev.evicted = true
		prev.mu.Unlock()
		replaced = prev
	}

	s.mu.Lock()
	s.identity = identity
	s.username = username
	s.displayName = displayName
	s.mu.Unlock()

	r.byUser[identity] = s
	return replaced, nil
}

// LookupByIdentity returns the live session for an identity.
func (r *Registry) LookupByIdentity(identity string) (Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byUser[identity]
	if !ok {
		return Presence{}, false
	}
	return Presence{Identity: identity, DisplayName: s.DisplayName(), Conn: s.conn}, true
}

// Online resolves the subset of identities that currently have a live session,
// preserving input order.
func (r *Registry) Online(identities []string) []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Presence, 0, len(identities))
	for _, id := range identities {
		if s, ok := r.byUser[id]; ok {
			out = append(out, Presence{Identity: id, DisplayName: s.DisplayName(), Conn: s.conn})
		}
	}
	return out
}

// CurrentIdentity returns the identity bound to the session, if any.
func (r *Registry) CurrentIdentity(s *Session) (string, bool) {
	return s.Identity()
}

// RecordConversationHint remembers a label for a conversation on this session.
func (r *Registry) RecordConversationHint(s *Session, conversationID int64, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints[conversationID] = label
}

// Lookup returns the session for a connection id.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[connID]
	return s, ok
}

// Unregister removes the connection and, if it still owns its identity, the
// identity mapping as well. It returns the removed session, or nil if the
// connection was not registered. Calling it twice is harmless.
func (r *Registry) Unregister(conn Conn) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[conn.ID()]
	if !ok {
		return nil
	}
	delete(r.byConn, conn.ID())

	s.mu.Lock()
	identity := s.identity
	s.mu.Unlock()

	// A replaced session must not remove the mapping its successor now owns.
	if identity != "" && r.byUser[identity] == s {
		delete(r.byUser, identity)
	}
	return s
}

// Counts returns the number of live connections and authenticated identities.
func (r *Registry) Counts() (connections, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn), len(r.byUser)
}

// OnlineIdentities returns a snapshot of every identity with a live session.
func (r *Registry) OnlineIdentities() []Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Presence, 0, len(r.byUser))
	for id, s := range r.byUser {
		out = append(out, Presence{Identity: id, DisplayName: s.DisplayName(), Conn: s.conn, ConnectedAt: s.ConnectedAt()})
	}
	return out
}
