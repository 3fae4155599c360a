// Package ws adapts gorilla websocket connections to the hub. The
// adapter owns socket lifecycle: the hub only ever sees the Sender side.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize    = 64
	writeDeadline     = 5 * time.Second
	closeWriteTimeout = 2 * time.Second
)

var ErrBackpressure = errors.New("ws: send buffer full")

// wsConn pairs a socket with its buffered outbound queue. TrySend never
// blocks; a full buffer is reported so the hub can drop the member.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) TrySend(frame []byte) error {
	select {
	case <-c.done:
		return errors.New("ws: connection closed")
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	})
}
