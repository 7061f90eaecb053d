// ABOUTME: WebSocket transport carrying one JSON frame per text message
// ABOUTME: Built on github.com/coder/websocket with a per-write timeout

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocket is a Transport over an accepted WebSocket connection.
type WebSocket struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWebSocket wraps an accepted connection and applies the frame limit.
func NewWebSocket(conn *websocket.Conn, remote string, maxFrame int) *WebSocket {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	conn.SetReadLimit(int64(maxFrame))
	return &WebSocket{
		conn:         conn,
		remote:       remote,
		writeTimeout: DefaultWriteTimeout,
	}
}

// ReadFrame returns the next text message.
func (w *WebSocket) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusMessageTooBig {
			return nil, ErrFrameTooLarge
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	if typ != websocket.MessageText {
		return nil, errors.New("binary messages are not supported")
	}
	return data, nil
}

// WriteFrame sends data as one text message.
func (w *WebSocket) WriteFrame(data []byte) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.writeTimeout)
	defer cancel()
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Flush is a no-op: every message is written as it is sent.
func (w *WebSocket) Flush() error { return nil }

// Close performs a normal closure handshake.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	return w.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr returns the address recorded at accept time.
func (w *WebSocket) RemoteAddr() string { return w.remote }
