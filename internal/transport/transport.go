// Package transport upgrades incoming HTTP requests to websocket
// connections and provides a thin framed read/write wrapper, replacing the
// teacher's hand-rolled RFC 6455 implementation with gorilla/websocket.
package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a single frame write may block before the
// connection is considered dead.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one upgraded websocket connection. It is not safe for concurrent
// writes: the fan-out worker that owns a Conn only ever calls WriteMessage
// from its single event-loop goroutine, so no internal locking is needed.
type Conn struct {
	ws         *websocket.Conn
	remoteAddr string
}

// Upgrade hijacks the HTTP connection into a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: ws, remoteAddr: r.RemoteAddr}, nil
}

// ReadMessage blocks for the next binary frame. Non-binary frames (text,
// ping, pong) are skipped transparently; a close frame or read error is
// returned as an error.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

// WriteMessage sends one binary frame.
func (c *Conn) WriteMessage(payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, payload)
}

// Close sends a close frame and releases the underlying connection.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.ws.Close()
}

// RemoteAddr identifies the peer for logging and duplicate-connection
// bookkeeping.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }
