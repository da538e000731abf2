package actor

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(64 << 10)
)

// Transport moves whole frames between the actor and one client.
// ReadMessage is called from a single goroutine; WriteMessage from another.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// pinger is implemented by transports that need keepalive frames.
type pinger interface {
	Ping() error
}

// WebSocketTransport adapts a gorilla websocket connection. The read
// deadline is pushed forward by every pong, so a peer that stops answering
// pings fails the next read.
type WebSocketTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writers
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &WebSocketTransport{conn: conn}
}

// ReadMessage blocks until a frame arrives. Cancellation is signalled by
// closing the transport.
func (t *WebSocketTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WebSocketTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close sends a close frame when possible and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.mu.Unlock()
	return t.conn.Close()
}
