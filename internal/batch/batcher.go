// ABOUTME: Generic outbound batcher that coalesces bursts before handing them to a sink
// ABOUTME: Flushes on size threshold, delayed timer, explicit Flush, and Close

package batch

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batcher closed")

// Defaults used when a Config field is zero.
const (
	DefaultSize  = 32
	DefaultDelay = 10 * time.Millisecond
)

// Sink receives one item at a time, in insertion order. A sink must not
// call back into the Batcher that feeds it.
type Sink[T any] func(item T) error

// Config tunes the latency/throughput trade-off.
type Config struct {
	// Size flushes immediately once this many items are buffered.
	Size int
	// Delay is how long a partial batch may wait before an automatic flush.
	Delay time.Duration
	// AutoFlush schedules the delayed flush. Without it only Size, Flush
	// and Close drain the buffer.
	AutoFlush bool
}

// Option customizes a Batcher.
type Option func(*options)

type options struct {
	afterFlush func() error
	onError    func(error)
	observe    func(items int, err error)
}

// WithAfterFlush runs fn after every non-empty flush, e.g. to flush a
// buffered writer underneath the sink.
func WithAfterFlush(fn func() error) Option {
	return func(o *options) { o.afterFlush = fn }
}

// WithErrorHandler receives errors from timer-triggered flushes, which have
// no caller to return them to.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithObserver is told the size and outcome of every non-empty flush.
func WithObserver(fn func(items int, err error)) Option {
	return func(o *options) { o.observe = fn }
}

// Batcher buffers items for one sink.
//
// mu guards the buffer and timer. sendMu serializes delivery so batches reach
// the sink in FIFO order; it is always acquired while mu is held, then mu is
// released before the sink runs.
type Batcher[T any] struct {
	sink Sink[T]
	cfg  Config
	opts options

	mu     sync.Mutex
	buf    []T
	timer  *time.Timer
	gen    uint64
	closed bool

	sendMu sync.Mutex
}

// New creates a Batcher over sink.
func New[T any](sink Sink[T], cfg Config, opts ...Option) *Batcher[T] {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	b := &Batcher[T]{
		sink: sink,
		cfg:  cfg,
		buf:  make([]T, 0, cfg.Size),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	return b
}

// Add appends item. Reaching Size flushes synchronously and returns the
// flush error; otherwise a delayed flush is scheduled when AutoFlush is set.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	b.buf = append(b.buf, item)
	if len(b.buf) >= b.cfg.Size {
		return b.flushLocked()
	}

	if b.cfg.AutoFlush && b.timer == nil {
		gen := b.gen
		b.timer = time.AfterFunc(b.cfg.Delay, func() { b.timerFlush(gen) })
	}
	b.mu.Unlock()
	return nil
}

// Flush delivers everything buffered so far.
func (b *Batcher[T]) Flush() error {
	b.mu.Lock()
	return b.flushLocked()
}

// Close rejects further adds, cancels the timer and drains the buffer once.
// Calling Close again is a no-op.
func (b *Batcher[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	return b.flushLocked()
}

// Len returns the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Closed reports whether Close has been called.
func (b *Batcher[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// flushLocked swaps out the buffer and delivers it. Must be called with mu
// held; it releases mu.
func (b *Batcher[T]) flushLocked() error {
	b.stopTimerLocked()
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return nil
	}

	items := b.buf
	b.buf = make([]T, 0, b.cfg.Size)

	b.sendMu.Lock()
	b.mu.Unlock()
	defer b.sendMu.Unlock()

	return b.deliver(items)
}

// stopTimerLocked cancels the pending delayed flush. A timer that already
// fired sees a stale generation and does nothing.
func (b *Batcher[T]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *Batcher[T]) timerFlush(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	if err := b.flushLocked(); err != nil && b.opts.onError != nil {
		b.opts.onError(err)
	}
}

// deliver hands every item to the sink in order. A failing item does not
// stop the rest; all failures are joined.
func (b *Batcher[T]) deliver(items []T) error {
	var errs []error
	for _, item := range items {
		if err := b.sink(item); err != nil {
			errs = append(errs, err)
		}
	}
	if b.opts.afterFlush != nil {
		if err := b.opts.afterFlush(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if b.opts.observe != nil {
		b.opts.observe(len(items), err)
	}
	return err
}
