// Package gateway accepts client WebSocket connections and runs their lifecycle.
//
// Each connection gets a reader goroutine that feeds frames to the router in
// order and a writer goroutine that drains the connection's send queue. The
// connection is registered on accept and unregistered exactly once when the
// reader exits, whatever the cause.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/chathub/hub/metrics"
	"github.com/amurg-ai/chathub/hub/router"
	"github.com/amurg-ai/chathub/hub/session"
	"github.com/amurg-ai/chathub/pkg/protocol"
)

// Options configures a Gateway.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64
	SendBuffer        int
	MessagesPerSecond float64
	MessageBurst      int
	PingInterval      time.Duration
	PongWait          time.Duration
	Metrics           *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MessagesPerSecond <= 0 {
		o.MessagesPerSecond = 20
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 40
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Gateway is the connection lifecycle manager.
type Gateway struct {
	router   *router.Router
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	opts     Options

	mu       sync.Mutex
	conns    map[string]*wsConn
	draining bool
	wg       sync.WaitGroup
}

// New creates a Gateway.
func New(rt *router.Router, registry *session.Registry, logger *slog.Logger, opts Options) *Gateway {
	opts.setDefaults()
	return &Gateway{
		router:   rt,
		registry: registry,
		logger:   logger.With("component", "gateway"),
		metrics:  opts.Metrics,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		opts:     opts,
		conns:    make(map[string]*wsConn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if g.draining {
		g.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error; nothing was registered.
		g.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}

	g.serve(r.Context(), ws)
}

func (g *Gateway) serve(ctx context.Context, ws *websocket.Conn) {
	c := newWSConn(ws, g.opts.SendBuffer, g.logger, g.metrics)
	sess := g.registry.Register(c)
	g.track(c)
	g.metrics.ConnOpened()
	c.logger.Info("client connected", "remote", ws.RemoteAddr().String())

	go c.writeLoop()
	cancelKeepalive := startKeepalive(ws, &c.writeMu, g.opts.PingInterval, g.opts.PongWait)

	defer func() {
		cancelKeepalive()
		removed := g.registry.Unregister(c)
		c.Close()
		<-c.done
		g.untrack(c)
		g.metrics.ConnClosed()

		user := ""
		if removed != nil {
			user = removed.Username()
		}
		c.logger.Info("client disconnected", "user", user)
	}()

	ws.SetReadLimit(g.opts.MaxMessageBytes)
	limiter := rate.NewLimiter(rate.Limit(g.opts.MessagesPerSecond), g.opts.MessageBurst)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.logger.Warn("client frame exceeds read limit", "limit", g.opts.MaxMessageBytes)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Debug("client read error", "error", err)
			}
			return
		}
		// Any frame proves the peer is alive.
		_ = ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))

		if !limiter.Allow() {
			c.logger.Debug("client message rate limited")
			c.Reply(protocol.Failure(protocol.TypeError, "", protocol.CodeRateLimited, "too many messages, slow down"))
			continue
		}

		g.router.Dispatch(g.router.HandleFrame(ctx, sess, data))
	}
}

func (g *Gateway) track(c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.id] = c
	// Accepted just as Shutdown took its snapshot.
	if g.draining {
		c.Close()
	}
}

func (g *Gateway) untrack(c *wsConn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c.id)
}

// ConnCount returns the number of open connections.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their goroutines to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	open := make([]*wsConn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()

	for _, c := range open {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
