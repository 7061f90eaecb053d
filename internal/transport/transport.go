// ABOUTME: Transport interface shared by the NDJSON stream and WebSocket carriers
// ABOUTME: Frames are opaque byte slices here; decoding happens in the gateway

package transport

import (
	"context"
	"errors"
)

// DefaultMaxFrameBytes bounds a single inbound frame.
const DefaultMaxFrameBytes = 1 << 20

var (
	// ErrFrameTooLarge is returned when an inbound frame exceeds the limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("transport closed")
)

// Transport is one duplex client connection.
type Transport interface {
	// ReadFrame blocks until the next frame arrives.
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame queues one frame. It may buffer until Flush.
	WriteFrame(data []byte) error

	// Flush pushes buffered frames to the peer.
	Flush() error

	// Close releases the connection. Safe to call more than once.
	Close() error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
