// ABOUTME: Newline-delimited JSON transport over any io.ReadWriteCloser
// ABOUTME: Buffered writes so batched frames share one underlying write

package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is a Transport over a byte stream with one JSON frame per line.
type Stream struct {
	rwc     io.ReadWriteCloser
	scanner *bufio.Scanner
	remote  string

	mu     sync.Mutex // guards writer
	writer *bufio.Writer
	closed atomic.Bool
}

// NewStream wraps rwc. maxFrame <= 0 selects DefaultMaxFrameBytes.
func NewStream(rwc io.ReadWriteCloser, maxFrame int) *Stream {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	scanner := bufio.NewScanner(rwc)
	initial := min(64*1024, maxFrame)
	scanner.Buffer(make([]byte, 0, initial), maxFrame)

	remote := "stream"
	if nc, ok := rwc.(net.Conn); ok && nc.RemoteAddr() != nil {
		remote = nc.RemoteAddr().String()
	}

	return &Stream{
		rwc:     rwc,
		scanner: scanner,
		writer:  bufio.NewWriter(rwc),
		remote:  remote,
	}
}

// ReadFrame returns the next non-empty line. A context deadline is applied
// as a read deadline when the underlying stream supports one.
func (s *Stream) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		if nc, ok := s.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = nc.SetReadDeadline(dl)
			defer func() { _ = nc.SetReadDeadline(time.Time{}) }()
		}
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrFrameTooLarge
		}
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return nil, io.EOF
}

// WriteFrame appends data and a newline to the write buffer.
func (s *Stream) WriteFrame(data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Flush writes buffered frames to the stream.
func (s *Stream) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flushing frames: %w", err)
	}
	return nil
}

// Close closes the stream without flushing, which also unblocks a writer
// stuck on a peer that stopped reading.
func (s *Stream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rwc.Close()
}

// RemoteAddr returns the peer address, or "stream" when unknown.
func (s *Stream) RemoteAddr() string { return s.remote }
