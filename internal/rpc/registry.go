// ABOUTME: Thread-safe method registry mapping request names to handlers
// ABOUTME: Invoke converts handler errors and panics into protocol errors

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// Call carries one request into a handler.
type Call struct {
	Method      string
	Params      json.RawMessage
	SessionKey  string
	ConnID      string
	PrincipalID string
}

// Handler executes one method. A returned *protocol.Error keeps its code;
// any other error is reported as INTERNAL_ERROR.
type Handler interface {
	Invoke(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Registry maps method names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "rpc"),
	}
}

// Register adds or replaces the handler for name. Last writer wins.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	_, replaced := r.handlers[name]
	r.handlers[name] = h
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("method replaced", "method", name)
	}
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, call *Call) (any, error)) {
	r.Register(name, HandlerFunc(fn))
}

// Unregister removes name. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		return false
	}
	delete(r.handlers, name)
	return true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Invoke runs the handler registered for call.Method. It never panics.
func (r *Registry) Invoke(ctx context.Context, call *Call) (result any, perr *protocol.Error) {
	r.mu.RLock()
	h, ok := r.handlers[call.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.Errorf(protocol.CodeMethodNotFound, "unknown method %q", call.Method)
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("method panicked",
				"method", call.Method,
				"conn_id", call.ConnID,
				"panic", rec)
			result = nil
			perr = protocol.AsError(fmt.Errorf("panic: %v", rec))
		}
	}()

	res, err := h.Invoke(ctx, call)
	if err != nil {
		perr = protocol.AsError(err)
		if perr.Code == protocol.CodeInternalError {
			r.logger.Warn("method failed",
				"method", call.Method,
				"conn_id", call.ConnID,
				"error", err)
		}
		return nil, perr
	}
	return res, nil
}

// DecodeParams unmarshals call params into v. Missing params decode as an
// empty object. Failures are INVALID_REQUEST.
func DecodeParams(call *Call, v any) error {
	if len(call.Params) == 0 || string(call.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(call.Params, v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid params for %s: %v", call.Method, err)
	}
	return nil
}
