package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "authz:"

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "authz:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// Instrumentation enables storage spans and metrics (optional)
	Instrumentation *instrumentation.Instrumentation
}

// Store is a Valkey-backed storage.EphemeralStore.
type Store struct {
	client   valkeygo.Client
	prefix   string
	logger   *slog.Logger
	recorder *instrumentation.StorageRecorder
}

var _ storage.EphemeralStore = (*Store)(nil)

// New creates a new Valkey-backed store.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		recorder: instrumentation.NewStorageRecorder(cfg.Instrumentation, "valkey"),
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
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

	var cmd valkeygo.Completed
	if ttl > 0 {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Px(ttl).Build()
	} else {
		cmd = s.client.B().Set().Key(s.key(key)).Value(valkeygo.BinaryString(value)).Build()
	}

	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Get returns storage.ErrNotFound when the key is absent or expired.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	ctx, done := s.recorder.Start(ctx, "get")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).AsBytes()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return data, nil
}

// Delete removes keys. Each key is deleted with its own DEL so the call also
// works against a cluster where keys hash to different slots.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	ctx, done := s.recorder.Start(ctx, "delete")
	defer func() { done(err) }()

	if len(keys) == 0 {
		return nil
	}

	cmds := make(valkeygo.Commands, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, s.client.B().Del().Key(s.key(k)).Build())
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
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

	n, err := s.client.Do(ctx, s.client.B().Incr().Key(s.key(key)).Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}
	return n, nil
}

// Scan iterates SCAN over prefix and returns the matching keys without the
// store prefix. SCAN may return a key more than once; results are deduplicated.
func (s *Store) Scan(ctx context.Context, prefix string) (_ []string, err error) {
	ctx, done := s.recorder.Start(ctx, "scan")
	defer func() { done(err) }()

	pattern := escapeGlob(s.key(prefix)) + "*"
	seen := make(map[string]struct{})
	var keys []string

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, k := range result.Elements {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the SCAN MATCH metacharacters in s.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
