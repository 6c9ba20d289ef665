package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the minimal bidirectional message stream a call session needs.
// Two concrete implementations exist: a live websocket and a
// buffered-then-live wrapper produced by Correlate.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// wsConn adapts a gorilla websocket connection. Writes are serialized:
// gorilla allows at most one concurrent writer.
type wsConn struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWebsocketConn wraps an upgraded websocket connection.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// replayConn yields messages captured during correlation, in original read
// order, before delegating to the live connection. Writes and closes always
// hit the live connection.
type replayConn struct {
	mu       sync.Mutex
	buffered [][]byte
	next     int
	live     Conn
}

func newReplayConn(buffered [][]byte, live Conn) *replayConn {
	return &replayConn{buffered: buffered, live: live}
}

func (c *replayConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	if c.next < len(c.buffered) {
		data := c.buffered[c.next]
		c.next++
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()
	return c.live.ReadMessage()
}

func (c *replayConn) WriteMessage(data []byte) error {
	return c.live.WriteMessage(data)
}

func (c *replayConn) SetReadDeadline(t time.Time) error {
	return c.live.SetReadDeadline(t)
}

func (c *replayConn) Close() error {
	return c.live.Close()
}
