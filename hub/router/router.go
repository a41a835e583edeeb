// Package router turns client requests into responses and forwarded messages.
//
// The router holds no connection state of its own. For each request it checks
// the caller's session in the registry, consults the identity and conversation
// stores, and returns the envelopes to deliver, the caller's reply first.
package router

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/metrics"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/hub/store"
	"github.com/amurg-ai/chathub/pkg/protocol"
)

// Identities resolves users. *auth.Service satisfies it.
type Identities interface {
	Verify(ctx context.Context, username, password string) (*auth.Identity, error)
	ValidateToken(ctx context.Context, token string) (*auth.Identity, error)
	Find(ctx context.Context, prefix, excludeID string) ([]auth.Identity, error)
	IdentityOf(ctx context.Context, username string) (*auth.Identity, error)
}

// Conversations is the durable conversation directory. store.Store satisfies it.
type Conversations interface {
	GetOrCreateDirect(ctx context.Context, a, b string) (*store.Conversation, error)
	CreateGroup(ctx context.Context, ownerID, name string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	AddParticipant(ctx context.Context, conversationID int64, userID string) (bool, error)
	Participants(ctx context.Context, conversationID int64) ([]string, error)
	Members(ctx context.Context, conversationID int64) ([]store.Member, error)
	GroupsOf(ctx context.Context, userID string) ([]store.Conversation, error)
}

// Outbound is one envelope addressed to one connection.
type Outbound struct {
	To  session.Conn
	Msg protocol.Response
	// Close asks the dispatcher to close the connection after queuing Msg.
	Close bool
}

// Options configures a Router.
type Options struct {
	MaxContentBytes int // 0 means unlimited
	Metrics         *metrics.Metrics
}

// Router handles client requests.
type Router struct {
	ids      Identities
	convs    Conversations
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	maxContentBytes int

	// directs collapses concurrent get-or-create calls for the same pair.
	directs singleflight.Group
}

// New creates a Router.
func New(ids Identities, convs Conversations, registry *session.Registry, logger *slog.Logger, opts Options) *Router {
	return &Router{
		ids:             ids,
		convs:           convs,
		registry:        registry,
		logger:          logger.With("component", "router"),
		metrics:         opts.Metrics,
		maxContentBytes: opts.MaxContentBytes,
	}
}

// HandleFrame decodes one inbound frame and handles it. Malformed frames
// produce a ProtocolError reply and leave the session untouched.
func (r *Router) HandleFrame(ctx context.Context, sess *session.Session, data []byte) []Outbound {
	req, err := protocol.Decode(data)
	if err != nil {
		r.metrics.ProtocolError()
		r.logger.Debug("malformed frame", "conn_id", sess.Conn().ID(), "error", err)
		msgType := req.Type
		if msgType == "" || !isKnownType(msgType) {
			msgType = protocol.TypeError
		}
		return []Outbound{r.fail(sess, msgType, req.ID, protocolError(err.Error()))}
	}
	return r.Handle(ctx, sess, req)
}

// Handle processes one request for a session. The first element of the result
// is always the reply to the caller. A panic while handling is reported as an
// InternalError reply for this request only.
func (r *Router) Handle(ctx context.Context, sess *session.Session, req protocol.Request) (out []Outbound) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic handling request",
				"type", req.Type, "conn_id", sess.Conn().ID(), "panic", p, "stack", string(debug.Stack()))
			out = []Outbound{r.fail(sess, req.Type, req.ID, errInternal)}
		}
		status := protocol.StatusSuccess
		if len(out) > 0 && out[0].Msg.Status == protocol.StatusError {
			status = protocol.StatusError
		}
		r.metrics.ObserveRequest(req.Type, status, time.Since(start))
	}()

	if err := protocol.Validate(req); err != nil {
		r.metrics.ProtocolError()
		msgType := req.Type
		if !isKnownType(msgType) {
			msgType = protocol.TypeError
		}
		return []Outbound{r.fail(sess, msgType, req.ID, protocolError(err.Error()))}
	}

	switch req.Type {
	case protocol.TypeLogin:
		return r.handleLogin(ctx, sess, req)
	case protocol.TypePing:
		pong := protocol.Success(protocol.TypePong, req.ID)
		return []Outbound{{To: sess.Conn(), Msg: pong}}
	}

	// Everything else requires a live, authenticated session.
	me, ok := sess.Identity()
	if !ok {
		if sess.Evicted() {
			return []Outbound{r.fail(sess, req.Type, req.ID, errReplaced)}
		}
		return []Outbound{r.fail(sess, req.Type, req.ID, errNotAuthenticated)}
	}

	switch req.Type {
	case protocol.TypeSearchUsers:
		return r.handleSearch(ctx, sess, me, req)
	case protocol.TypeCreateConversation:
		return r.handleCreateDirect(ctx, sess, me, req)
	case protocol.TypeListConversations:
		return r.handleListConversations(sess, req)
	case protocol.TypeCreateGroup:
		return r.handleCreateGroup(ctx, sess, me, req)
	case protocol.TypeJoinGroup:
		return r.handleJoinGroup(ctx, sess, me, req)
	case protocol.TypeListGroups:
		return r.handleListGroups(ctx, sess, me, req)
	case protocol.TypeListGroupMembers:
		return r.handleListMembers(ctx, sess, me, req)
	case protocol.TypeSendMessage:
		return r.handleSend(ctx, sess, me, req)
	default:
		// Unreachable while the validator's oneof list matches the switch.
		return []Outbound{r.fail(sess, protocol.TypeError, req.ID, protocolError(fmt.Sprintf("unsupported type %q", req.Type)))}
	}
}

// Dispatch queues each envelope on its connection. The first envelope is the
// caller's reply and goes through Reply. Forwards are fire-and-forget: a
// dropped envelope is logged and does not affect the others.
func (r *Router) Dispatch(out []Outbound) {
	for i, o := range out {
		send := o.To.Send
		if i == 0 {
			send = o.To.Reply
		}
		if !send(o.Msg) {
			r.logger.Debug("envelope dropped", "conn_id", o.To.ID(), "type", o.Msg.Type)
		} else if o.Msg.Type == protocol.TypeMessage {
			r.metrics.Forwarded(1)
		}
		if o.Close {
			o.To.Close()
		}
	}
}

func (r *Router) handleLogin(ctx context.Context, sess *session.Session, req protocol.Request) []Outbound {
	if sess.Evicted() {
		return []Outbound{r.fail(sess, req.Type, req.ID, errReplaced)}
	}
	if _, ok := sess.Identity(); ok {
		return []Outbound{r.fail(sess, req.Type, req.ID, errAlreadyAuth)}
	}

	var (
		id  *auth.Identity
		err error
	)
	switch {
	case req.Token != "":
		id, err = r.ids.ValidateToken(ctx, req.Token)
	case strings.TrimSpace(req.Username) != "" && req.Password != "":
		id, err = r.ids.Verify(ctx, strings.TrimSpace(req.Username), req.Password)
	default:
		return []Outbound{r.fail(sess, req.Type, req.ID, protocolError("username and password are required"))}
	}
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}

	replaced, err := r.registry.Authenticate(sess, id.UserID, id.Username, id.DisplayName)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}

	r.logger.Info("client logged in", "user", id.Username, "conn_id", sess.Conn().ID())

	resp := protocol.Success(req.Type, req.ID)
	resp.UserID = id.UserID
	resp.Username = id.Username
	resp.DisplayName = id.DisplayName
	out := []Outbound{{To: sess.Conn(), Msg: resp}}

	if replaced != nil {
		r.metrics.Evicted()
		r.logger.Info("session replaced by newer login",
			"user", id.Username, "old_conn_id", replaced.Conn().ID(), "conn_id", sess.Conn().ID())
		notice := protocol.Response{
			Type:      protocol.TypeSessionReplaced,
			Error:     "signed in from another connection",
			Timestamp: time.Now(),
		}
		out = append(out, Outbound{To: replaced.Conn(), Msg: notice, Close: true})
	}
	return out
}

// UserSummary is one user search result.
type UserSummary struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

func (r *Router) handleSearch(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return []Outbound{r.fail(sess, req.Type, req.ID, protocolError("query is required"))}
	}

	found, err := r.ids.Find(ctx, query, me)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}

	online := lo.SliceToMap(r.registry.Online(lo.Map(found, func(id auth.Identity, _ int) string { return id.UserID })),
		func(p session.Presence) (string, bool) { return p.Identity, true })

	resp := protocol.Success(req.Type, req.ID)
	resp.Data = lo.Map(found, func(id auth.Identity, _ int) UserSummary {
		return UserSummary{UserID: id.UserID, Username: id.Username, DisplayName: id.DisplayName, Online: online[id.UserID]}
	})
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

func (r *Router) handleCreateDirect(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	target := strings.TrimSpace(req.TargetUsername)
	if target == "" {
		return []Outbound{r.fail(sess, req.Type, req.ID, protocolError("target_username is required"))}
	}

	other, err := r.ids.IdentityOf(ctx, target)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	if other.UserID == me {
		return []Outbound{r.fail(sess, req.Type, req.ID, errSelfConversation)}
	}

	v, err, _ := r.directs.Do(store.PairKey(me, other.UserID), func() (any, error) {
		return r.convs.GetOrCreateDirect(ctx, me, other.UserID)
	})
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	conv := v.(*store.Conversation)

	r.registry.RecordConversationHint(sess, conv.ID, other.DisplayName)

	resp := protocol.Success(req.Type, req.ID)
	resp.ConversationID = conv.ID
	resp.TargetUsername = other.Username
	resp.DisplayName = other.DisplayName
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

// ConversationHint is one entry of conversation.list.
type ConversationHint struct {
	ConversationID int64  `json:"conversation_id"`
	Label          string `json:"label"`
}

func (r *Router) handleListConversations(sess *session.Session, req protocol.Request) []Outbound {
	hints := lo.MapToSlice(sess.Hints(), func(id int64, label string) ConversationHint {
		return ConversationHint{ConversationID: id, Label: label}
	})
	slices.SortFunc(hints, func(a, b ConversationHint) int { return cmp.Compare(a.ConversationID, b.ConversationID) })

	resp := protocol.Success(req.Type, req.ID)
	resp.Data = hints
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

func (r *Router) handleCreateGroup(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	name := strings.TrimSpace(req.GroupName)
	if name == "" {
		return []Outbound{r.fail(sess, req.Type, req.ID, protocolError("group_name is required"))}
	}

	conv, err := r.convs.CreateGroup(ctx, me, name)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	r.registry.RecordConversationHint(sess, conv.ID, conv.Name)

	resp := protocol.Success(req.Type, req.ID)
	resp.ConversationID = conv.ID
	resp.GroupName = conv.Name
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

// JoinResult is the data payload of a group.join reply.
type JoinResult struct {
	Added bool `json:"added"`
}

func (r *Router) handleJoinGroup(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	conv, fail := r.lookupGroup(ctx, sess, req)
	if fail != nil {
		return fail
	}

	added, err := r.convs.AddParticipant(ctx, conv.ID, me)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	r.registry.RecordConversationHint(sess, conv.ID, conv.Name)

	resp := protocol.Success(req.Type, req.ID)
	resp.ConversationID = conv.ID
	resp.GroupName = conv.Name
	resp.Data = JoinResult{Added: added}
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

// GroupSummary is one entry of group.list.
type GroupSummary struct {
	ConversationID int64  `json:"conversation_id"`
	Name           string `json:"name"`
}

func (r *Router) handleListGroups(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	groups, err := r.convs.GroupsOf(ctx, me)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}

	resp := protocol.Success(req.Type, req.ID)
	resp.Data = lo.Map(groups, func(c store.Conversation, _ int) GroupSummary {
		return GroupSummary{ConversationID: c.ID, Name: c.Name}
	})
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

// Member is one entry of group.members.
type Member struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Online      bool   `json:"online"`
}

func (r *Router) handleListMembers(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	conv, fail := r.lookupGroup(ctx, sess, req)
	if fail != nil {
		return fail
	}

	rows, err := r.convs.Members(ctx, conv.ID)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	if !lo.ContainsBy(rows, func(m store.Member) bool { return m.UserID == me }) {
		return []Outbound{r.fail(sess, req.Type, req.ID, errInvalidConversation)}
	}

	ids := lo.Map(rows, func(m store.Member, _ int) string { return m.UserID })
	online := lo.SliceToMap(r.registry.Online(ids), func(p session.Presence) (string, bool) { return p.Identity, true })
	members := lo.Map(rows, func(m store.Member, _ int) Member {
		return Member{UserID: m.UserID, DisplayName: m.Name(), Online: online[m.UserID]}
	})

	resp := protocol.Success(req.Type, req.ID)
	resp.ConversationID = conv.ID
	resp.GroupName = conv.Name
	resp.Data = members
	return []Outbound{{To: sess.Conn(), Msg: resp}}
}

// lookupGroup resolves req.ConversationID to an existing group conversation.
func (r *Router) lookupGroup(ctx context.Context, sess *session.Session, req protocol.Request) (*store.Conversation, []Outbound) {
	if req.ConversationID <= 0 {
		return nil, []Outbound{r.fail(sess, req.Type, req.ID, protocolError("conversation_id is required"))}
	}
	conv, err := r.convs.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, []Outbound{r.failErr(sess, req, err)}
	}
	if conv == nil {
		return nil, []Outbound{r.fail(sess, req.Type, req.ID, errInvalidConversation)}
	}
	if !conv.IsGroup() {
		return nil, []Outbound{r.fail(sess, req.Type, req.ID, errNotAGroup)}
	}
	return conv, nil
}

func (r *Router) handleSend(ctx context.Context, sess *session.Session, me string, req protocol.Request) []Outbound {
	if strings.TrimSpace(req.Content) == "" {
		return []Outbound{r.fail(sess, req.Type, req.ID, errEmptyContent)}
	}
	if r.maxContentBytes > 0 && len(req.Content) > r.maxContentBytes {
		return []Outbound{r.fail(sess, req.Type, req.ID, errContentTooLarge)}
	}
	if req.ConversationID <= 0 {
		return []Outbound{r.fail(sess, req.Type, req.ID, errInvalidConversation)}
	}

	conv, err := r.convs.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	if conv == nil {
		return []Outbound{r.fail(sess, req.Type, req.ID, errInvalidConversation)}
	}

	participants, err := r.convs.Participants(ctx, conv.ID)
	if err != nil {
		return []Outbound{r.failErr(sess, req, err)}
	}
	if !lo.Contains(participants, me) {
		return []Outbound{r.fail(sess, req.Type, req.ID, errInvalidConversation)}
	}

	// Offline participants are skipped; there is no store-and-forward.
	recipients := r.registry.Online(lo.Without(participants, me))
	now := time.Now()
	sender := sess.DisplayName()

	delivered := len(recipients)
	ack := protocol.Success(req.Type, req.ID)
	ack.ConversationID = conv.ID
	ack.Delivered = &delivered
	ack.Timestamp = now

	out := make([]Outbound, 0, 1+len(recipients))
	out = append(out, Outbound{To: sess.Conn(), Msg: ack})
	for _, p := range recipients {
		fwd := protocol.Response{
			Type:           protocol.TypeMessage,
			ConversationID: conv.ID,
			Sender:         sender,
			Content:        req.Content,
			Timestamp:      now,
		}
		// The stored kind decides the envelope shape, never the member count.
		if conv.Kind == store.KindDirect {
			fwd.Recipient = p.DisplayName
		} else {
			fwd.GroupName = conv.Name
		}
		out = append(out, Outbound{To: p.Conn, Msg: fwd})
	}
	return out
}

func (r *Router) fail(sess *session.Session, msgType, id string, e *Error) Outbound {
	return Outbound{To: sess.Conn(), Msg: protocol.Failure(msgType, id, e.Code, e.Message)}
}

func (r *Router) failErr(sess *session.Session, req protocol.Request, err error) Outbound {
	e, expected := classify(err)
	if !expected {
		r.logger.Warn("request failed", "type", req.Type, "conn_id", sess.Conn().ID(), "error", err)
	}
	return r.fail(sess, req.Type, req.ID, e)
}

func isKnownType(t string) bool {
	switch t {
	case protocol.TypeLogin, protocol.TypeSearchUsers, protocol.TypeCreateConversation,
		protocol.TypeListConversations, protocol.TypeCreateGroup, protocol.TypeJoinGroup,
		protocol.TypeListGroups, protocol.TypeListGroupMembers, protocol.TypeSendMessage, protocol.TypePing:
		return true
	}
	return false
}
