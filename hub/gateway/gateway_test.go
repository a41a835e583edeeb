package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/amurg-ai/chathub/hub/auth"
	"github.com/amurg-ai/chathub/hub/config"
	"github.com/amurg-ai/chathub/hub/router"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/hub/store"
	"github.com/amurg-ai/chathub/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testPassword = "password1"

type fixture struct {
	t        *testing.T
	auth     *auth.Service
	registry *session.Registry
	gateway  *Gateway
	server   *httptest.Server
}

func newFixture(t *testing.T, policy session.DuplicatePolicy, opts Options) *fixture {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := auth.NewService(s, config.AuthConfig{
		JWTSecret: "gateway-test-secret-at-least-32-characters",
		JWTExpiry: config.Duration{Duration: time.Hour},
	})
	reg := session.NewRegistry(policy)
	rt := router.New(svc, s, reg, logger, router.Options{MaxContentBytes: 1024})
	gw := New(rt, reg, logger, opts)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, gw.Shutdown(ctx))
	})

	return &fixture{t: t, auth: svc, registry: reg, gateway: gw, server: srv}
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fixture) user(username string) *store.User {
	f.t.Helper()
	u, err := f.auth.Register(context.Background(), username, testPassword, "", "user")
	require.NoError(f.t, err)
	return u
}

func (f *fixture) dial() *websocket.Conn {
	f.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *fixture) login(username string) *websocket.Conn {
	f.t.Helper()
	ws := f.dial()
	send(f.t, ws, protocol.Request{Type: protocol.TypeLogin, ID: "login", Username: username, Password: testPassword})
	resp := recv(f.t, ws)
	require.Equal(f.t, protocol.TypeLogin, resp.Type)
	require.Equal(f.t, protocol.StatusSuccess, resp.Status, resp.Error)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, req protocol.Request) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(req))
}

func recv(t *testing.T, ws *websocket.Conn) protocol.Response {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp protocol.Response
	require.NoError(t, ws.ReadJSON(&resp))
	return resp
}

func TestGateway_Login_And_Forward(t *testing.T) {
	// Given
	f := newFixture(t, session.ReplaceExisting, Options{})
	f.user("alice")
	f.user("bob")
	alice := f.login("alice")
	bob := f.login("bob")

	send(t, alice, protocol.Request{Type: protocol.TypeCreateConversation, ID: "c1", TargetUsername: "bob"})
	created := recv(t, alice)
	require.Equal(t, protocol.StatusSuccess, created.Status, created.Error)
	require.NotZero(t, created.ConversationID)

	// When
	send(t, alice, protocol.Request{Type: protocol.TypeSendMessage, ID: "m1", ConversationID: created.ConversationID, Content: "hi bob"})

	// Then
	ack := recv(t, alice)
	require.Equal(t, protocol.TypeSendMessage, ack.Type)
	require.Equal(t, "m1", ack.ID)
	require.Equal(t, protocol.StatusSuccess, ack.Status)
	require.NotNil(t, ack.Delivered)
	require.Equal(t, 1, *ack.Delivered)

	fwd := recv(t, bob)
	require.Equal(t, protocol.TypeMessage, fwd.Type)
	require.Equal(t, "hi bob", fwd.Content)
	require.Equal(t, "alice", fwd.Sender)
	require.Equal(t, created.ConversationID, fwd.ConversationID)
}

func TestGateway_Malformed_Frame_Keeps_Connection(t *testing.T) {
	// Given
	f := newFixture(t, session.ReplaceExisting, Options{})
	ws := f.dial()

	// When
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// Then
	resp := recv(t, ws)
	require.Equal(t, protocol.TypeError, resp.Type)
	require.Equal(t, protocol.CodeProtocolError, resp.ErrorCode)

	send(t, ws, protocol.Request{Type: protocol.TypePing, ID: "p"})
	pong := recv(t, ws)
	require.Equal(t, protocol.TypePong, pong.Type)
	require.Equal(t, "p", pong.ID)
}

func TestGateway_Send_Before_Login(t *testing.T) {
	f := newFixture(t, session.ReplaceExisting, Options{})
	ws := f.dial()

	send(t, ws, protocol.Request{Type: protocol.TypeSendMessage, ConversationID: 1, Content: "hello"})

	resp := recv(t, ws)
	require.Equal(t, protocol.StatusError, resp.Status)
	require.Equal(t, protocol.CodeNotAuthenticated, resp.ErrorCode)
}

func TestGateway_Disconnect_Unregisters(t *testing.T) {
	// Given
	f := newFixture(t, session.ReplaceExisting, Options{})
	u := f.user("alice")
	ws := f.login("alice")
	_, online := f.registry.LookupByIdentity(u.ID)
	require.True(t, online)
	require.Equal(t, 1, f.gateway.ConnCount())

	// When
	require.NoError(t, ws.Close())

	// Then
	require.Eventually(t, func() bool {
		_, online := f.registry.LookupByIdentity(u.ID)
		conns, _ := f.registry.Counts()
		return !online && conns == 0 && f.gateway.ConnCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_Replace_Evicts_Old_Connection(t *testing.T) {
	// Given
	f := newFixture(t, session.ReplaceExisting, Options{})
	u := f.user("alice")
	first := f.login("alice")

	// When
	second := f.login("alice")

	// Then
	notice := recv(t, first)
	require.Equal(t, protocol.TypeSessionReplaced, notice.Type)

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return f.gateway.ConnCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// The old connection's cleanup must leave the new mapping alone.
	_, online := f.registry.LookupByIdentity(u.ID)
	require.True(t, online)

	send(t, second, protocol.Request{Type: protocol.TypeListGroups, ID: "g"})
	resp := recv(t, second)
	require.Equal(t, protocol.StatusSuccess, resp.Status, resp.Error)
}

func TestGateway_Reject_Keeps_First_Connection(t *testing.T) {
	f := newFixture(t, session.RejectNew, Options{})
	f.user("alice")
	first := f.login("alice")

	second := f.dial()
	send(t, second, protocol.Request{Type: protocol.TypeLogin, Username: "alice", Password: testPassword})
	resp := recv(t, second)
	require.Equal(t, protocol.CodeAlreadyAuthenticated, resp.ErrorCode)

	send(t, first, protocol.Request{Type: protocol.TypeListGroups})
	require.Equal(t, protocol.StatusSuccess, recv(t, first).Status)
}

func TestGateway_Rate_Limit(t *testing.T) {
	f := newFixture(t, session.ReplaceExisting, Options{MessagesPerSecond: 1, MessageBurst: 2})
	ws := f.dial()

	const n = 6
	for i := 0; i < n; i++ {
		send(t, ws, protocol.Request{Type: protocol.TypePing})
	}

	limited := 0
	for i := 0; i < n; i++ {
		if recv(t, ws).ErrorCode == protocol.CodeRateLimited {
			limited++
		}
	}
	require.GreaterOrEqual(t, limited, 1)
}

func TestGateway_Read_Limit_Closes_Connection(t *testing.T) {
	f := newFixture(t, session.ReplaceExisting, Options{MaxMessageBytes: 128})
	ws := f.dial()

	big := protocol.Request{Type: protocol.TypeSendMessage, Content: strings.Repeat("x", 512)}
	send(t, ws, big)

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)

	require.Eventually(t, func() bool {
		return f.gateway.ConnCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_Origin_Check(t *testing.T) {
	f := newFixture(t, session.ReplaceExisting, Options{AllowedOrigins: []string{"https://chat.example.com"}})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://chat.example.com")
	ws, _, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestGateway_Shutdown(t *testing.T) {
	// Given
	f := newFixture(t, session.ReplaceExisting, Options{})
	f.user("alice")
	ws := f.login("alice")

	// When
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.gateway.Shutdown(ctx))

	// Then
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	require.Zero(t, f.gateway.ConnCount())

	_, resp, err := websocket.DefaultDialer.Dial(f.url(), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWSConn_Send_Queue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newWSConn(nil, 1, logger, nil)
	require.NotEmpty(t, c.ID())

	require.True(t, c.Send(protocol.Success(protocol.TypePong, "1")))
	require.False(t, c.Send(protocol.Success(protocol.TypePong, "2")), "queue is full")

	c.Close()
	c.Close()
	require.False(t, c.Send(protocol.Success(protocol.TypePong, "3")), "closed")
	require.False(t, c.Reply(protocol.Success(protocol.TypePong, "4")), "closed")
	require.Len(t, c.send, 1)
}

func TestWSConn_Reply_Waits_For_Space(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newWSConn(nil, 1, logger, nil)
	c.replyWait = 5 * time.Second
	require.True(t, c.Send(protocol.Response{Type: protocol.TypeMessage}))

	drained := make(chan protocol.Response, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		drained <- <-c.send
	}()

	require.True(t, c.Reply(protocol.Success(protocol.TypePong, "r1")))
	require.Equal(t, protocol.TypeMessage, (<-drained).Type)
	require.Equal(t, "r1", (<-c.send).ID)
	require.False(t, c.closing())
}

func TestWSConn_Reply_Closes_Slow_Connection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newWSConn(nil, 1, logger, nil)
	c.replyWait = 10 * time.Millisecond
	require.True(t, c.Send(protocol.Response{Type: protocol.TypeMessage}))

	require.False(t, c.Reply(protocol.Success(protocol.TypePong, "r1")))
	require.True(t, c.closing(), "a peer that cannot take its reply is disconnected")
}
