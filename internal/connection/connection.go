// ABOUTME: One connected client: identity, outbound frame path and owned resources
// ABOUTME: Writes go through an optional batcher; any write failure closes the connection

package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lurkbot/lurkbot-gateway/internal/batch"
	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
	"github.com/lurkbot/lurkbot-gateway/internal/transport"
)

// ErrClosed is returned by Send after the connection closed.
var ErrClosed = errors.New("connection closed")

// closeDrainTimeout bounds how long Close waits for batched frames to drain
// before the transport is closed underneath them.
const closeDrainTimeout = 2 * time.Second

// Options describe a connection that completed its handshake.
type Options struct {
	ID           string
	Protocol     int
	Client       protocol.ClientInfo
	Capabilities []string
	PrincipalID  string

	// Batching enables outbound coalescing when non-nil. The delayed flush
	// is always on: a lone response has nothing else to push it out.
	Batching *batch.Config
	// OnFlush observes every batched flush.
	OnFlush func(items int, err error)
}

// Connection is a client that completed the handshake.
type Connection struct {
	ID           string
	Protocol     int
	Client       protocol.ClientInfo
	Capabilities []string
	PrincipalID  string
	RemoteAddr   string
	CreatedAt    time.Time

	transport transport.Transport
	batcher   *batch.Batcher[[]byte]
	writeMu   sync.Mutex // serializes unbatched write+flush pairs

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex // guards subs, inflight
	subs     []string
	inflight map[string]struct{}

	logger *slog.Logger
}

// New wraps t. Pass nil logger for default.
func New(t transport.Transport, opts Options, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:           opts.ID,
		Protocol:     opts.Protocol,
		Client:       opts.Client,
		Capabilities: opts.Capabilities,
		PrincipalID:  opts.PrincipalID,
		RemoteAddr:   t.RemoteAddr(),
		CreatedAt:    time.Now(),
		transport:    t,
		done:         make(chan struct{}),
		inflight:     make(map[string]struct{}),
		logger:       logger.With("component", "connection", "conn_id", opts.ID),
	}

	if opts.Batching != nil {
		bopts := []batch.Option{
			batch.WithAfterFlush(t.Flush),
			batch.WithErrorHandler(func(err error) {
				c.logger.Warn("batched write failed", "error", err)
				c.Close()
			}),
		}
		if opts.OnFlush != nil {
			bopts = append(bopts, batch.WithObserver(opts.OnFlush))
		}
		cfg := *opts.Batching
		cfg.AutoFlush = true
		c.batcher = batch.New(t.WriteFrame, cfg, bopts...)
	}
	return c
}

// Send encodes and writes one frame.
func (c *Connection) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes one already-encoded frame. On a batched connection the
// frame may sit in the buffer until the next flush. A write failure closes
// the connection.
func (c *Connection) SendRaw(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	var err error
	if c.batcher != nil {
		err = c.batcher.Add(data)
		if errors.Is(err, batch.ErrClosed) {
			return ErrClosed
		}
	} else {
		err = c.writeNow(data)
	}
	if err != nil {
		c.logger.Warn("write failed, closing connection", "error", err)
		c.Close()
		return fmt.Errorf("sending to %s: %w", c.ID, err)
	}
	return nil
}

// Flush pushes any batched frames to the peer.
func (c *Connection) Flush() error {
	if c.closed.Load() {
		return ErrClosed
	}
	var err error
	if c.batcher != nil {
		err = c.batcher.Flush()
	} else {
		c.writeMu.Lock()
		err = c.transport.Flush()
		c.writeMu.Unlock()
	}
	if err != nil {
		c.Close()
	}
	return err
}

func (c *Connection) writeNow(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.transport.WriteFrame(data); err != nil {
		return err
	}
	return c.transport.Flush()
}

// Close drains batched frames, bounded by closeDrainTimeout, and closes the
// transport. Safe to call more than once and from any goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.batcher != nil {
			drained := make(chan struct{})
			go func() {
				if err := c.batcher.Close(); err != nil {
					c.logger.Debug("drain on close failed", "error", err)
				}
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(closeDrainTimeout):
				c.logger.Warn("drain on close timed out")
			}
		}
		if err := c.transport.Close(); err != nil {
			c.logger.Debug("transport close failed", "error", err)
		}
		close(c.done)
	})
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has run.
func (c *Connection) Closed() bool { return c.closed.Load() }

// AddSubscription records an event subscription owned by this connection.
func (c *Connection) AddSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, id)
}

// RemoveSubscription forgets id. Returns false if it was not owned here.
func (c *Connection) RemoveSubscription(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.Index(c.subs, id)
	if i < 0 {
		return false
	}
	c.subs = slices.Delete(c.subs, i, i+1)
	return true
}

// HasSubscription reports whether id is owned by this connection.
func (c *Connection) HasSubscription(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.subs, id)
}

// Subscriptions returns the owned subscription ids in creation order.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs)
}

// TakeSubscriptions returns and forgets every owned subscription id.
func (c *Connection) TakeSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.subs
	c.subs = nil
	return subs
}

// BeginRequest marks id in flight. It returns false if id is already in
// flight on this connection.
func (c *Connection) BeginRequest(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

// EndRequest clears id.
func (c *Connection) EndRequest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
}

// InFlight returns the number of requests being handled.
func (c *Connection) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
