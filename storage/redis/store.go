// Package redis provides a storage.EphemeralStore backed by Redis through
// go-redis. It is an alternative to storage/valkey for deployments that
// already run Redis or Redis-compatible managed services configured by URL.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "authz:"

	scanBatchSize           = 100
	connectionVerifyTimeout = 5 * time.Second
)

// Config configures the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// connection URL (required)
	URL string

	// KeyPrefix is the prefix for all keys (default "authz:")
	KeyPrefix string

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Redis-backed storage.EphemeralStore.
type Store struct {
	client   goredis.UniversalClient
	prefix   string
	logger   *slog.Logger
	recorder *instrumentation.StorageRecorder
}

var _ storage.EphemeralStore = (*Store)(nil)

// New connects to the Redis server at cfg.URL and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	s := NewFromClient(client, cfg)
	s.logger.Info("Connected to Redis storage", "address", opts.Addr, "db", opts.DB, "prefix", s.prefix)
	return s, nil
}

// NewFromClient wraps an existing client, e.g. a cluster or sentinel
// client. cfg.URL is ignored.
func NewFromClient(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		recorder: instrumentation.NewStorageRecorder(cfg.Instrumentation, "redis"),
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// Set stores value with ttl. A zero ttl stores without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, done := s.recorder.Start(ctx, "set")
	defer func() { done(err) }()

	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("ttl cannot be negative")
	}
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Get returns storage.ErrNotFound when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, done := s.recorder.Start(ctx, "get")
	defer func() { done(err) }()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

// Delete removes keys in a single pipeline, one DEL per key.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	ctx, done := s.recorder.Start(ctx, "delete")
	defer func() { done(err) }()

	if len(keys) == 0 {
		return nil
	}

	_, err = s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for _, k := range keys {
			p.Del(ctx, s.key(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Increment runs INCR on key.
func (s *Store) Increment(ctx context.Context, key string) (_ int64, err error) {
	ctx, done := s.recorder.Start(ctx, "increment")
	defer func() { done(err) }()

	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return n, nil
}

// Scan returns the keys under prefix with the store prefix stripped.
func (s *Store) Scan(ctx context.Context, prefix string) (_ []string, err error) {
	ctx, done := s.recorder.Start(ctx, "scan")
	defer func() { done(err) }()

	match := globEscaper.Replace(s.key(prefix)) + "*"
	seen := make(map[string]struct{})
	var out []string

	iter := s.client.Scan(ctx, 0, match, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return out, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
