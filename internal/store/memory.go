// ABOUTME: In-memory Store used by default and in tests
// ABOUTME: Copies values on the way in and out so callers never share state

package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]protocol.SessionSummary
	jobs     map[string]protocol.JobSummary
	channels map[string]protocol.ChannelSummary
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]protocol.SessionSummary),
		jobs:     make(map[string]protocol.JobSummary),
		channels: make(map[string]protocol.ChannelSummary),
	}
}

func (m *MemoryStore) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	return buildSnapshot(ctx, m)
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]protocol.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) GetSession(_ context.Context, key string) (*protocol.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, s protocol.SessionSummary) error {
	if s.Key == "" {
		return fmt.Errorf("%w: session key required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Key] = s
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, key)
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context) ([]protocol.JobSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.JobSummary, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sortJobs(out)
	return out, nil
}

func (m *MemoryStore) UpsertJob(_ context.Context, j protocol.JobSummary) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryStore) ListChannels(_ context.Context) ([]protocol.ChannelSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.ChannelSummary, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	sortChannels(out)
	return out, nil
}

func (m *MemoryStore) UpsertChannel(_ context.Context, c protocol.ChannelSummary) error {
	if c.ID == "" {
		return fmt.Errorf("%w: channel id required", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.ID] = c
	return nil
}

func (m *MemoryStore) Close() error { return nil }
