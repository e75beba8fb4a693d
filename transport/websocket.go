package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/natpipe/limits"
)

const wsCloseTimeout = time.Second

// NewWebSocket wraps an established WebSocket connection. Each frame travels
// as one binary message.
func NewWebSocket(conn *websocket.Conn) *ConnTransport {
	conn.SetReadLimit(limits.MaxFrameSize)
	return newConnTransport("websocket", &wsFramer{conn: conn}, limits.WebSocketMTU, conn.RemoteAddr())
}

// DialWebSocket connects to a WebSocket endpoint such as a relay's.
func DialWebSocket(ctx context.Context, url string) (*ConnTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed with status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s failed: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocketUpgrader returns the upgrader used by WebSocket listeners.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// Peers authenticate through the key exchange, not the origin.
			return true
		},
	}
}

// AcceptWebSocket upgrades an HTTP request and wraps the result.
func AcceptWebSocket(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*ConnTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return NewWebSocket(conn), nil
}

type wsFramer struct {
	conn *websocket.Conn
}

func (w *wsFramer) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsFramer) WriteFrame(frame []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *wsFramer) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	// Best effort: the peer may already be gone.
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
	return w.conn.Close()
}
