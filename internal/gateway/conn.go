package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamrelay/streamrelay/internal/entity"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Conn is one WebSocket connection to the relay. The gateway's read loop is
// the only goroutine that mutates the auth fields, so they are unguarded;
// the send queue and writePump handle cross-goroutine traffic.
type Conn struct {
	// ID is the relay-issued connection identifier, sent to the client in
	// the opening frame. The challenge auth scheme signs over it.
	ID string

	ws         *websocket.Conn
	remoteAddr string
	send       chan []byte

	// serverID is the tenant id the client named in the upgrade query
	// (`/ws?id=...`); authenticate frames resolve against it.
	serverID string

	// Auth state, owned by the read loop.
	server        *entity.Server
	owner         *entity.User
	channel       string
	publisher     bool
	authenticated bool
	// counted is set once the connection increment has landed in the
	// ledger; teardown only decrements what was actually counted.
	counted bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id string, ws *websocket.Conn, remoteAddr, serverID string, sendBuffer int) *Conn {
	return &Conn{
		ID:         id,
		ws:         ws,
		remoteAddr: remoteAddr,
		serverID:   serverID,
		send:       make(chan []byte, sendBuffer),
		closed:     make(chan struct{}),
	}
}

// trySend queues a frame without blocking. Reports false when the queue is
// full or the connection is closing.
func (c *Conn) trySend(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// close shuts the connection down exactly once. fn runs inside the once so
// accounting side effects cannot double-fire.
func (c *Conn) close(fn func()) {
	c.closeOnce.Do(func() {
		if fn != nil {
			fn()
		}
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings. Runs as a dedicated goroutine per connection and exits
// when the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
