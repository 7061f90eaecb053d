// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Creates its schema on open and upserts with ON CONFLICT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path, creating parent directories and
// the schema as needed. ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store", "driver", DriverSQLite)

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if !inMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			key        TEXT PRIMARY KEY,
			label      TEXT NOT NULL DEFAULT '',
			channel    TEXT NOT NULL DEFAULT '',
			agent_id   TEXT NOT NULL DEFAULT '',
			model      TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			schedule    TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 1,
			next_run_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS channels (
			id        TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			label     TEXT NOT NULL DEFAULT '',
			connected INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	return buildSnapshot(ctx, s)
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, label, channel, agent_id, model, updated_at
		FROM sessions
		ORDER BY updated_at DESC, key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	sessions := []protocol.SessionSummary{}
	for rows.Next() {
		var ss protocol.SessionSummary
		if err := rows.Scan(&ss.Key, &ss.Label, &ss.Channel, &ss.AgentID, &ss.Model, &ss.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, ss)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*protocol.SessionSummary, error) {
	var ss protocol.SessionSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT key, label, channel, agent_id, model, updated_at
		FROM sessions WHERE key = ?
	`, key).Scan(&ss.Key, &ss.Label, &ss.Channel, &ss.AgentID, &ss.Model, &ss.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &ss, nil
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, ss protocol.SessionSummary) error {
	if ss.Key == "" {
		return fmt.Errorf("%w: session key required", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, label, channel, agent_id, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			label = excluded.label,
			channel = excluded.channel,
			agent_id = excluded.agent_id,
			model = excluded.model,
			updated_at = excluded.updated_at
	`, ss.Key, ss.Label, ss.Channel, ss.AgentID, ss.Model, ss.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]protocol.JobSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, schedule, enabled, next_run_at
		FROM scheduled_jobs
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	jobs := []protocol.JobSummary{}
	for rows.Next() {
		var j protocol.JobSummary
		if err := rows.Scan(&j.ID, &j.Name, &j.Schedule, &j.Enabled, &j.NextRunAt); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, j protocol.JobSummary) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, schedule, enabled, next_run_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			enabled = excluded.enabled,
			next_run_at = excluded.next_run_at
	`, j.ID, j.Name, j.Schedule, j.Enabled, j.NextRunAt)
	if err != nil {
		return fmt.Errorf("upserting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]protocol.ChannelSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, label, connected
		FROM channels
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying channels: %w", err)
	}
	defer rows.Close()

	channels := []protocol.ChannelSummary{}
	for rows.Next() {
		var c protocol.ChannelSummary
		if err := rows.Scan(&c.ID, &c.Kind, &c.Label, &c.Connected); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

func (s *SQLiteStore) UpsertChannel(ctx context.Context, c protocol.ChannelSummary) error {
	if c.ID == "" {
		return fmt.Errorf("%w: channel id required", ErrInvalid)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, kind, label, connected)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			label = excluded.label,
			connected = excluded.connected
	`, c.ID, c.Kind, c.Label, c.Connected)
	if err != nil {
		return fmt.Errorf("upserting channel: %w", err)
	}
	return nil
}
