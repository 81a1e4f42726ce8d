package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// wsConn wraps one participant websocket with a buffered outbound queue.
//
// All writes to the underlying connection happen on the writePump goroutine;
// producers enqueue through trySend and never block. A full queue means the
// consumer is too slow and the message is dropped, which the caller records
// in metrics.
type wsConn struct {
	id string
	ws *websocket.Conn

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}

	// closeCode/closeReason are written once under closeOnce before done is
	// closed, and read by the write pump only after done is closed.
	closeCode   int
	closeReason string
}

func newWSConn(id string, ws *websocket.Conn, queueLen int) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, queueLen),
		done: make(chan struct{}),
	}
}

// trySend enqueues an envelope for delivery. It reports false when the
// outbound queue is full or the connection is shutting down; the message is
// dropped in either case.
func (c *wsConn) trySend(env Envelope) bool {
	payload, err := json.Marshal(env)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the websocket and keeps the connection
// alive with periodic pings. It exits on the first write error or after
// shutdown, once the queue has been flushed and the close frame sent.
func (c *wsConn) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush what is queued so a final error envelope reaches the
			// client before the close frame.
			for {
				select {
				case payload := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
					_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
					return
				}
			}
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// shutdown stops the write pump after flushing the queue and sending a close
// frame. Safe to call multiple times; only the first call's code and reason
// are used.
func (c *wsConn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}
