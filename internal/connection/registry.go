// ABOUTME: Registry of live connections with targeted send, broadcast and removal hooks
// ABOUTME: Unregister runs cleanup hooks before closing so owned resources never leak

package connection

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// ErrAlreadyRegistered indicates a connection with the same id exists.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Hook runs when a connection leaves the registry.
type Hook func(*Connection)

// Registry holds every connection that completed its handshake.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	onRemove []Hook
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger.With("component", "connections"),
	}
}

// OnUnregister adds a hook run for every removed connection, in the order
// hooks were added. Register hooks before serving.
func (r *Registry) OnUnregister(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, h)
}

// Register adds c. Returns ErrAlreadyRegistered if its id is taken.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return ErrAlreadyRegistered
	}
	r.conns[c.ID] = c

	r.logger.Info("=== CLIENT CONNECTED ===",
		"conn_id", c.ID,
		"client_id", c.Client.ID,
		"mode", c.Client.Mode,
		"protocol", c.Protocol,
		"remote", c.RemoteAddr,
		"total_connections", len(r.conns),
	)
	return nil
}

// Unregister removes id, runs the removal hooks and closes the connection.
// Unknown ids are ignored, so teardown paths may race freely.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	c, exists := r.conns[id]
	if exists {
		delete(r.conns, id)
	}
	hooks := r.onRemove
	total := len(r.conns)
	r.mu.Unlock()

	if !exists {
		return false
	}

	for _, h := range hooks {
		h(c)
	}
	c.Close()

	r.logger.Info("=== CLIENT DISCONNECTED ===",
		"conn_id", id,
		"client_id", c.Client.ID,
		"total_connections", total,
	)
	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns a snapshot of the registered connections.
func (r *Registry) List() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// SendTo writes frame to one connection. It returns false when id is
// unknown or the write failed; a failed write unregisters the connection.
func (r *Registry) SendTo(id string, frame protocol.Frame) bool {
	c, ok := r.Get(id)
	if !ok {
		r.logger.Debug("send to unknown connection", "conn_id", id)
		return false
	}
	if err := c.Send(frame); err != nil {
		r.logger.Warn("send failed", "conn_id", id, "error", err)
		r.Unregister(id)
		return false
	}
	return true
}

// Broadcast writes frame to every connection except excludeID and returns
// how many writes succeeded. Failed connections are unregistered; the rest
// still receive the frame.
func (r *Registry) Broadcast(frame protocol.Frame, excludeID string) int {
	data, err := protocol.Encode(frame)
	if err != nil {
		r.logger.Error("broadcast encode failed", "error", err)
		return 0
	}

	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if excludeID != "" && id == excludeID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.SendRaw(data); err != nil {
			r.logger.Warn("broadcast send failed", "conn_id", c.ID, "error", err)
			r.Unregister(c.ID)
			continue
		}
		sent++
	}
	return sent
}

// CloseAll unregisters every connection.
func (r *Registry) CloseAll() {
	for _, c := range r.List() {
		r.Unregister(c.ID)
	}
}
