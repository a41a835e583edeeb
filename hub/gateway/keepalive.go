package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// startKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine and
// waits for it to exit. The provided mutex must be the same one used for all
// writes to the connection.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval, pongWait time.Duration) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}
