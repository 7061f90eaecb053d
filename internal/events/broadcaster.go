// ABOUTME: Process-wide event broadcaster with session and prefix filtered subscribers
// ABOUTME: Assigns monotonic event ids and evicts subscribers whose queue overflows

package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// DefaultSubscriberBuffer is the queue depth of each subscriber.
const DefaultSubscriberBuffer = 64

// Broadcaster errors
var (
	ErrClosed              = errors.New("broadcaster closed")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrOverflow            = errors.New("subscriber queue overflow")
)

// Callback receives one event. Returned errors and panics are logged.
type Callback func(*protocol.Event) error

// Filter narrows which events a subscriber sees. Empty fields match anything.
type Filter struct {
	SessionKey string
	Prefix     string
}

// Matches reports whether an event named name for sessionKey passes f.
func (f Filter) Matches(name, sessionKey string) bool {
	if f.SessionKey != "" && f.SessionKey != sessionKey {
		return false
	}
	if f.Prefix != "" && !strings.HasPrefix(name, f.Prefix) {
		return false
	}
	return true
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithSubscriberBuffer sets the per-subscriber queue depth.
func WithSubscriberBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithEmitObserver is called after every Emit with the event name, the
// number of subscribers it was queued for and the number evicted because
// their queue was full.
func WithEmitObserver(fn func(name string, queued, evicted int)) Option {
	return func(b *Broadcaster) { b.observe = fn }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

// SubscribeOption customizes one subscription.
type SubscribeOption func(*subscriber)

// OnOverflow runs on its own goroutine when the subscriber is evicted
// because its queue was full. Owners treat it as a disconnect.
func OnOverflow(fn func()) SubscribeOption {
	return func(s *subscriber) { s.onOverflow = fn }
}

type subscriber struct {
	id         string
	cb         Callback
	filter     Filter
	queue      chan *protocol.Event
	stopped    atomic.Bool
	onOverflow func()
}

// Broadcaster delivers events to subscribers. mu is the single point of
// mutual exclusion for id assignment; events are queued under it so every
// subscriber sees ids in increasing order.
type Broadcaster struct {
	mu     sync.Mutex
	seq    uint64
	lastAt int64
	subs   map[string]*subscriber
	closed bool

	count   atomic.Int64
	wg      sync.WaitGroup
	buffer  int
	observe func(name string, queued, evicted int)
	now     func() time.Time
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subs:   make(map[string]*subscriber),
		buffer: DefaultSubscriberBuffer,
		now:    time.Now,
		logger: logger.With("component", "events"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers cb and returns its subscription id. A subscriber
// sees every matching event in id order, or is evicted: an event is never
// skipped while the subscription stays live.
func (b *Broadcaster) Subscribe(cb Callback, filter Filter, opts ...SubscribeOption) (string, error) {
	sub := &subscriber{
		id:     uuid.New().String(),
		cb:     cb,
		filter: filter,
		queue:  make(chan *protocol.Event, b.buffer),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.subs[sub.id] = sub
	b.count.Add(1)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	b.logger.Debug("subscriber added",
		"sub_id", sub.id,
		"session_key", filter.SessionKey,
		"prefix", filter.Prefix)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Events still queued for it are
// discarded. Returns false for an unknown id.
func (b *Broadcaster) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("subscriber removed", "sub_id", id)
	}
	return ok
}

// Emit assigns the next id and timestamp and queues the event for every
// matching subscriber. It never fails: an unencodable payload is logged and
// sent empty, and a subscriber whose queue is full is evicted.
func (b *Broadcaster) Emit(name string, payload any, sessionKey string) *protocol.Event {
	raw := b.encode(name, payload)

	var evicted []*subscriber
	b.mu.Lock()
	ev := b.stampLocked(name, raw, sessionKey)
	queued := 0
	for _, sub := range b.subs {
		if !sub.filter.Matches(name, sessionKey) {
			continue
		}
		if b.enqueueLocked(sub, ev) {
			queued++
		} else {
			evicted = append(evicted, sub)
		}
	}
	b.mu.Unlock()

	b.finishEmit(name, queued, evicted)
	return ev
}

// EmitTo stamps an event from the shared sequence and queues it for one
// subscription regardless of its filter, behind anything already queued
// there.
func (b *Broadcaster) EmitTo(subID, name string, payload any, sessionKey string) (*protocol.Event, error) {
	raw := b.encode(name, payload)

	b.mu.Lock()
	sub, ok := b.subs[subID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, subID)
	}
	ev := b.stampLocked(name, raw, sessionKey)
	if b.enqueueLocked(sub, ev) {
		b.mu.Unlock()
		b.finishEmit(name, 1, nil)
		return ev, nil
	}
	b.mu.Unlock()

	b.finishEmit(name, 0, []*subscriber{sub})
	return ev, fmt.Errorf("%w: %s", ErrOverflow, subID)
}

// enqueueLocked must be called with mu held. A full queue evicts sub.
func (b *Broadcaster) enqueueLocked(sub *subscriber, ev *protocol.Event) bool {
	select {
	case sub.queue <- ev:
		return true
	default:
	}
	b.removeLocked(sub)
	b.logger.Warn("evicted slow subscriber",
		"sub_id", sub.id,
		"event", ev.Event,
		"event_id", ev.ID)
	return false
}

func (b *Broadcaster) finishEmit(name string, queued int, evicted []*subscriber) {
	for _, sub := range evicted {
		if sub.onOverflow != nil {
			go sub.onOverflow()
		}
	}
	if b.observe != nil {
		b.observe(name, queued, len(evicted))
	}
}

// Stamp builds an event with the next id and timestamp without delivering it.
// Used for frames sent directly to a connection that has no subscription.
func (b *Broadcaster) Stamp(name string, payload any, sessionKey string) *protocol.Event {
	raw := b.encode(name, payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stampLocked(name, raw, sessionKey)
}

// SubscriberCount is a lock-free, possibly stale count of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	return int(b.count.Load())
}

// Close removes every subscriber and waits for their delivery goroutines
// to exit. Emit keeps working afterwards but reaches nobody.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		b.removeLocked(sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("broadcaster closed")
}

// stampLocked must be called with mu held. at never goes backwards even if
// the wall clock does.
func (b *Broadcaster) stampLocked(name string, raw json.RawMessage, sessionKey string) *protocol.Event {
	b.seq++
	at := max(b.now().UnixMilli(), b.lastAt)
	b.lastAt = at
	return &protocol.Event{
		Type:       protocol.TypeEvent,
		ID:         b.seq,
		At:         at,
		Event:      name,
		Payload:    raw,
		SessionKey: sessionKey,
	}
}

func (b *Broadcaster) removeLocked(sub *subscriber) {
	delete(b.subs, sub.id)
	sub.stopped.Store(true)
	close(sub.queue)
	b.count.Add(-1)
}

func (b *Broadcaster) encode(name string, payload any) json.RawMessage {
	switch p := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return p
	}
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event payload not encodable", "event", name, "error", err)
		return nil
	}
	return data
}

func (b *Broadcaster) run(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.queue {
		if sub.stopped.Load() {
			continue
		}
		if err := b.deliver(sub, ev); err != nil {
			b.logger.Warn("event delivery failed",
				"sub_id", sub.id,
				"event", ev.Event,
				"event_id", ev.ID,
				"error", err)
		}
	}
}

func (b *Broadcaster) deliver(sub *subscriber, ev *protocol.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.cb(ev)
}
