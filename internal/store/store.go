// ABOUTME: Store interface for session, job and channel summaries plus the backend factory
// ABOUTME: Snapshot assembles the handshake state from the three lists

package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalid is returned when an entity is missing its key.
var ErrInvalid = errors.New("invalid entity")

// Store persists the summaries that make up a handshake snapshot.
type Store interface {
	Snapshot(ctx context.Context) (protocol.Snapshot, error)

	ListSessions(ctx context.Context) ([]protocol.SessionSummary, error)
	GetSession(ctx context.Context, key string) (*protocol.SessionSummary, error)
	UpsertSession(ctx context.Context, s protocol.SessionSummary) error
	DeleteSession(ctx context.Context, key string) error

	ListJobs(ctx context.Context) ([]protocol.JobSummary, error)
	UpsertJob(ctx context.Context, j protocol.JobSummary) error

	ListChannels(ctx context.Context) ([]protocol.ChannelSummary, error)
	UpsertChannel(ctx context.Context, c protocol.ChannelSummary) error

	Close() error
}

// Drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Driver    string
	Path      string
	RedisAddr string
	KeyPrefix string
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(cfg.Path, logger)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildSnapshot lists all three kinds. Shared by every backend.
func buildSnapshot(ctx context.Context, s Store) (protocol.Snapshot, error) {
	var snap protocol.Snapshot
	var err error
	if snap.Sessions, err = s.ListSessions(ctx); err != nil {
		return snap, fmt.Errorf("listing sessions: %w", err)
	}
	if snap.ScheduledJobs, err = s.ListJobs(ctx); err != nil {
		return snap, fmt.Errorf("listing jobs: %w", err)
	}
	if snap.Channels, err = s.ListChannels(ctx); err != nil {
		return snap, fmt.Errorf("listing channels: %w", err)
	}
	return snap.Normalize(), nil
}

func sortSessions(sessions []protocol.SessionSummary) {
	slices.SortFunc(sessions, func(a, b protocol.SessionSummary) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}

func sortJobs(jobs []protocol.JobSummary) {
	slices.SortFunc(jobs, func(a, b protocol.JobSummary) int { return cmp.Compare(a.ID, b.ID) })
}

func sortChannels(channels []protocol.ChannelSummary) {
	slices.SortFunc(channels, func(a, b protocol.ChannelSummary) int { return cmp.Compare(a.ID, b.ID) })
}
