// Package postgres provides the durable storage.ClientStore and
// storage.ConsentStore on PostgreSQL using pgx.
//
// The schema is managed with golang-migrate; migrations are embedded in the
// binary and applied by Migrate.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const connectionVerifyTimeout = 5 * time.Second

// Config configures the Postgres backend.
type Config struct {
	// DSN is a PostgreSQL connection string (required)
	DSN string

	// MaxConns caps the pool size (default: pgxpool default)
	MaxConns int32

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Store implements the durable stores on a pgx connection pool.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	recorder *instrumentation.StorageRecorder
}

var (
	_ storage.ClientStore  = (*Store)(nil)
	_ storage.ConsentStore = (*Store)(nil)
)

// New opens a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionVerifyTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewFromPool(pool, cfg)
	s.logger.Info("Connected to Postgres storage",
		"host", poolCfg.ConnConfig.Host,
		"database", poolCfg.ConnConfig.Database)
	return s, nil
}

// NewFromPool wraps an existing pool. cfg.DSN and cfg.MaxConns are ignored.
func NewFromPool(pool *pgxpool.Pool, cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:     pool,
		logger:   logger,
		recorder: instrumentation.NewStorageRecorder(cfg.Instrumentation, "postgres"),
	}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("Postgres storage connection closed")
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies all pending schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	err = migrator.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		s.logger.Info("No migrations to apply")
	} else {
		s.logger.Info("Migrations applied successfully")
	}
	return nil
}
