package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/chathub/hub/metrics"
	"github.com/amurg-ai/chathub/pkg/protocol"
)

// writeWait bounds a single write to the peer.
const writeWait = 10 * time.Second

// defaultReplyWait is how long a reply waits for queue space before the
// connection is given up as too slow.
const defaultReplyWait = 2 * time.Second

// wsConn is one client connection. Responses are queued on a buffered channel
// and written by a dedicated goroutine, so senders never block on the network.
type wsConn struct {
	id        string
	ws        *websocket.Conn
	logger    *slog.Logger
	metrics   *metrics.Metrics
	replyWait time.Duration

	writeMu sync.Mutex // serializes all writes to ws, including pings

	send chan protocol.Response // never closed; quit ends the writer

	closeOnce sync.Once
	quit      chan struct{} // closed by Close
	done      chan struct{} // closed when the writer has exited
}

func newWSConn(ws *websocket.Conn, buffer int, logger *slog.Logger, m *metrics.Metrics) *wsConn {
	id := uuid.New().String()
	return &wsConn{
		id:        id,
		ws:        ws,
		logger:    logger.With("conn_id", id),
		metrics:   m,
		replyWait: defaultReplyWait,
		send:      make(chan protocol.Response, buffer),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) closing() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// Send queues resp without blocking. It returns false if the connection is
// closed or its queue is full.
func (c *wsConn) Send(resp protocol.Response) bool {
	if c.closing() {
		c.metrics.Dropped(metrics.DropClosed)
		return false
	}
	select {
	case c.send <- resp:
		return true
	case <-c.quit:
		c.metrics.Dropped(metrics.DropClosed)
		return false
	default:
		c.metrics.Dropped(metrics.DropQueueFull)
		c.logger.Warn("send queue full, dropping envelope", "type", resp.Type)
		return false
	}
}

// Reply queues the answer to the peer's own request. It waits up to replyWait
// for queue space; a peer that cannot drain its queue in that time is
// disconnected instead of losing the reply.
func (c *wsConn) Reply(resp protocol.Response) bool {
	if c.closing() {
		c.metrics.Dropped(metrics.DropClosed)
		return false
	}
	select {
	case c.send <- resp:
		return true
	default:
	}

	timer := time.NewTimer(c.replyWait)
	defer timer.Stop()
	select {
	case c.send <- resp:
		return true
	case <-c.quit:
		c.metrics.Dropped(metrics.DropClosed)
		return false
	case <-timer.C:
		c.metrics.Dropped(metrics.DropQueueFull)
		c.logger.Warn("reply could not be queued, closing slow connection", "type", resp.Type)
		c.Close()
		return false
	}
}

// Close stops accepting new envelopes. Already queued envelopes are still
// written before the socket is closed.
func (c *wsConn) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// writeLoop drains the queue to the socket until Close, then closes the socket.
func (c *wsConn) writeLoop() {
	defer close(c.done)
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case resp := <-c.send:
			if err := c.write(resp); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close()
				return
			}
		case <-c.quit:
			if !c.flush() {
				return
			}
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.writeMu.Unlock()
			return
		}
	}
}

// flush writes whatever is still queued. It reports false if a write failed.
func (c *wsConn) flush() bool {
	for {
		select {
		case resp := <-c.send:
			if err := c.write(resp); err != nil {
				c.logger.Debug("write failed", "error", err)
				return false
			}
		default:
			return true
		}
	}
}

func (c *wsConn) write(resp protocol.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshal response failed", "type", resp.Type, "error", err)
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
