package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frameWriteWait bounds a single outbound frame write. A peer that cannot
// absorb a frame in this window is disconnected.
const frameWriteWait = 10 * time.Second

// wsConn is the outbound half of an admitted websocket. Frames are queued on
// a bounded channel and written by a single writer goroutine, so a slow peer
// never blocks the router.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes with keepalive pings
	send chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(conn *websocket.Conn, queue int) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

// Send queues frame without blocking. It reports false if the connection is
// closed or its queue is full; the frame is dropped in both cases.
func (c *wsConn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the writer to send a close frame and drop the connection.
// Only the first call's code and reason are used.
func (c *wsConn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writePump drains the send queue until Close is called or a write fails.
// Closing the underlying connection makes the read loop return, which runs
// the session's disconnect handling.
func (c *wsConn) writePump() {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.send:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(frameWriteWait))
			err := c.conn.WriteMessage(websocket.TextMessage, frame)
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			c.mu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.closeCode, c.closeReason),
				time.Now().Add(controlWriteWait))
			c.mu.Unlock()
			return
		}
	}
}
