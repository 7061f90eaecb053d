// ABOUTME: Pending-request correlator: single-assignment futures indexed by id, session and owner
// ABOUTME: Settlement is exactly-once; bulk cancellation is scoped to a session or an owner

package pending

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCanceled is the outcome of a request settled by bulk cancellation.
	ErrCanceled = errors.New("pending request canceled")

	// ErrRejected is used when Reject is called without an error.
	ErrRejected = errors.New("pending request rejected")
)

// State is the lifecycle position of a pending request.
type State int

const (
	StatePending State = iota
	StateResolved
	StateRejected
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateRejected:
		return "rejected"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Request is one outstanding cross-boundary call. The zero value is not usable;
// obtain one from Correlator.Create.
type Request[T any] struct {
	ID         string
	SessionKey string
	Owner      string
	CreatedAt  time.Time

	done chan struct{}

	mu    sync.Mutex
	state State
	value T
	err   error
}

// Done is closed once the request is settled.
func (r *Request[T]) Done() <-chan struct{} { return r.done }

// State returns the current state.
func (r *Request[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the request settles or ctx ends. Rejections return the
// rejection error, cancellations ErrCanceled. Returning because ctx ended
// does not settle the request; the caller decides whether to Reject it.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the settled outcome without blocking. Before settlement it
// returns the zero value and a nil error.
func (r *Request[T]) Result() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// settle moves the request to a terminal state. It reports false when the
// request was already settled.
func (r *Request[T]) settle(state State, value T, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return false
	}
	r.state = state
	r.value = value
	r.err = err
	close(r.done)
	return true
}

// Correlator indexes pending requests. Detaching an entry from the index
// under mu is what decides the winner between concurrent settlers; the loser
// finds nothing and returns false.
type Correlator[T any] struct {
	mu        sync.Mutex
	entries   map[string]*Request[T]
	bySession map[string]map[string]struct{}
	byOwner   map[string]map[string]struct{}

	logger *slog.Logger
	now    func() time.Time
}

// New creates a Correlator. Pass nil logger for default.
func New[T any](logger *slog.Logger) *Correlator[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator[T]{
		entries:   make(map[string]*Request[T]),
		bySession: make(map[string]map[string]struct{}),
		byOwner:   make(map[string]map[string]struct{}),
		logger:    logger.With("component", "pending"),
		now:       time.Now,
	}
}

// Create registers a new pending request for sessionKey.
func (c *Correlator[T]) Create(sessionKey string) *Request[T] {
	return c.CreateOwned("", sessionKey)
}

// CreateOwned registers a new pending request attributed to owner (usually a
// connection id) so it can be canceled when the owner goes away.
func (c *Correlator[T]) CreateOwned(owner, sessionKey string) *Request[T] {
	req := &Request[T]{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		Owner:      owner,
		CreatedAt:  c.now(),
		done:       make(chan struct{}),
	}

	c.mu.Lock()
	c.entries[req.ID] = req
	addIndex(c.bySession, sessionKey, req.ID)
	if owner != "" {
		addIndex(c.byOwner, owner, req.ID)
	}
	c.mu.Unlock()

	c.logger.Debug("pending request created",
		"request_id", req.ID,
		"session_key", sessionKey,
		"owner", owner)
	return req
}

// Get returns a still-pending request.
func (c *Correlator[T]) Get(id string) (*Request[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.entries[id]
	return req, ok
}

// Resolve settles id with a value. It returns false if id is unknown or
// already settled.
func (c *Correlator[T]) Resolve(id string, value T) bool {
	req := c.detach(id)
	if req == nil {
		return false
	}
	return req.settle(StateResolved, value, nil)
}

// Reject settles id with an error. It returns false if id is unknown or
// already settled.
func (c *Correlator[T]) Reject(id string, err error) bool {
	if err == nil {
		err = ErrRejected
	}
	req := c.detach(id)
	if req == nil {
		return false
	}
	var zero T
	return req.settle(StateRejected, zero, err)
}

// CancelAllForSession cancels every pending request of sessionKey and
// returns how many were canceled.
func (c *Correlator[T]) CancelAllForSession(sessionKey string) int {
	c.mu.Lock()
	reqs := c.detachIndexLocked(c.bySession, sessionKey)
	c.mu.Unlock()
	return c.cancel(reqs, "session_key", sessionKey)
}

// CancelAllForOwner cancels every pending request attributed to owner.
func (c *Correlator[T]) CancelAllForOwner(owner string) int {
	if owner == "" {
		return 0
	}
	c.mu.Lock()
	reqs := c.detachIndexLocked(c.byOwner, owner)
	c.mu.Unlock()
	return c.cancel(reqs, "owner", owner)
}

// Len returns the number of pending requests.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Correlator[T]) cancel(reqs []*Request[T], scope, key string) int {
	var zero T
	n := 0
	for _, req := range reqs {
		if req.settle(StateCanceled, zero, ErrCanceled) {
			n++
		}
	}
	if n > 0 {
		c.logger.Debug("pending requests canceled", scope, key, "count", n)
	}
	return n
}

func (c *Correlator[T]) detach(id string) *Request[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.entries[id]
	if !ok {
		return nil
	}
	c.removeLocked(req)
	return req
}

func (c *Correlator[T]) detachIndexLocked(index map[string]map[string]struct{}, key string) []*Request[T] {
	ids := index[key]
	reqs := make([]*Request[T], 0, len(ids))
	for id := range ids {
		if req, ok := c.entries[id]; ok {
			reqs = append(reqs, req)
		}
	}
	for _, req := range reqs {
		c.removeLocked(req)
	}
	return reqs
}

// removeLocked drops req from every index. Must be called with mu held.
func (c *Correlator[T]) removeLocked(req *Request[T]) {
	delete(c.entries, req.ID)
	removeIndex(c.bySession, req.SessionKey, req.ID)
	if req.Owner != "" {
		removeIndex(c.byOwner, req.Owner, req.ID)
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	ids, ok := index[key]
	if !ok {
		ids = make(map[string]struct{})
		index[key] = ids
	}
	ids[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	ids, ok := index[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(index, key)
	}
}
