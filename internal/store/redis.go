// ABOUTME: Redis implementation of the Store interface using go-redis
// ABOUTME: One hash per kind, field per entity, JSON-encoded values

package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/lurkbot/lurkbot-gateway/internal/protocol"
)

// DefaultKeyPrefix namespaces the gateway's Redis keys.
const DefaultKeyPrefix = "lurkbot:"

// RedisStore implements Store on Redis hashes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to addr, a host:port or a redis://, rediss:// or
// redis-sentinel:// URL, and pings it.
func NewRedisStore(ctx context.Context, addr, prefix string, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	return newRedisStoreWithClient(ctx, redis.NewUniversalClient(opts), prefix, logger)
}

func newRedisStoreWithClient(ctx context.Context, client redis.UniversalClient, prefix string, logger *slog.Logger) (*RedisStore, error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	logger = logger.With("component", "store", "driver", DriverRedis)
	logger.Info("Redis store initialized", "prefix", prefix)
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if addr == "" {
		return nil, errors.New("redis: address required")
	}
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	opts := &redis.UniversalOptions{Addrs: strings.Split(u.Host, ",")}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}

	dbFrom := func(s string) error {
		if s == "" {
			return nil
		}
		db, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %w", err)
		}
		opts.DB = db
		return nil
	}

	q := u.Query()
	switch u.Scheme {
	case "redis", "rediss":
		path := strings.TrimPrefix(u.Path, "/")
		if path == "" {
			path = q.Get("db")
		}
		if err := dbFrom(path); err != nil {
			return nil, err
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if err := dbFrom(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	if strings.HasPrefix(u.Scheme, "rediss") {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

func (r *RedisStore) key(kind string) string { return r.prefix + kind }

func (r *RedisStore) Snapshot(ctx context.Context) (protocol.Snapshot, error) {
	return buildSnapshot(ctx, r)
}

func (r *RedisStore) ListSessions(ctx context.Context) ([]protocol.SessionSummary, error) {
	out, err := hashValues[protocol.SessionSummary](ctx, r.client, r.key("sessions"))
	if err != nil {
		return nil, err
	}
	sortSessions(out)
	return out, nil
}

func (r *RedisStore) GetSession(ctx context.Context, key string) (*protocol.SessionSummary, error) {
	data, err := r.client.HGet(ctx, r.key("sessions"), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var ss protocol.SessionSummary
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &ss, nil
}

func (r *RedisStore) UpsertSession(ctx context.Context, ss protocol.SessionSummary) error {
	if ss.Key == "" {
		return fmt.Errorf("%w: session key required", ErrInvalid)
	}
	return hashPut(ctx, r.client, r.key("sessions"), ss.Key, ss)
}

func (r *RedisStore) DeleteSession(ctx context.Context, key string) error {
	n, err := r.client.HDel(ctx, r.key("sessions"), key).Result()
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) ListJobs(ctx context.Context) ([]protocol.JobSummary, error) {
	out, err := hashValues[protocol.JobSummary](ctx, r.client, r.key("jobs"))
	if err != nil {
		return nil, err
	}
	sortJobs(out)
	return out, nil
}

func (r *RedisStore) UpsertJob(ctx context.Context, j protocol.JobSummary) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalid)
	}
	return hashPut(ctx, r.client, r.key("jobs"), j.ID, j)
}

func (r *RedisStore) ListChannels(ctx context.Context) ([]protocol.ChannelSummary, error) {
	out, err := hashValues[protocol.ChannelSummary](ctx, r.client, r.key("channels"))
	if err != nil {
		return nil, err
	}
	sortChannels(out)
	return out, nil
}

func (r *RedisStore) UpsertChannel(ctx context.Context, c protocol.ChannelSummary) error {
	if c.ID == "" {
		return fmt.Errorf("%w: channel id required", ErrInvalid)
	}
	return hashPut(ctx, r.client, r.key("channels"), c.ID, c)
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func hashPut(ctx context.Context, client redis.UniversalClient, key, field string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", field, err)
	}
	if err := client.HSet(ctx, key, field, data).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func hashValues[T any](ctx context.Context, client redis.UniversalClient, key string) ([]T, error) {
	raw, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	out := make([]T, 0, len(raw))
	for field, data := range raw {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", key, field, err)
		}
		out = append(out, v)
	}
	return out, nil
}
