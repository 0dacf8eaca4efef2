// Package storage is keiro's Postgres store.
//
// Runs are kept as JSONB snapshots guarded by a version column and a row
// lock. Events are appended with COPY. Idempotency records let external
// producers retry deliveries safely.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the Postgres-backed run and event store.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option tunes the connection pool.
type Option func(*pgxpool.Config)

// WithMaxConns caps the pool. Values <= 0 leave the pgxpool default.
func WithMaxConns(n int) Option {
	return func(c *pgxpool.Config) {
		if n > 0 {
			c.MaxConns = int32(n) //nolint:gosec // validated by config
		}
	}
}

// New opens a pool against dsn and pings it before returning.
func New(ctx context.Context, dsn string, logger *slog.Logger, opts ...Option) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "keiro"
	}
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	logger.Debug("storage: pool ready",
		"host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database, "max_conns", cfg.MaxConns)
	return &DB{pool: pool, logger: logger}, nil
}

// Pool exposes the pgx pool for tests and ad-hoc maintenance.
func (db *DB) Pool() *pgxpool.Pool { return db.pool }

// Ping backs the readiness check.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Close waits for checked-out connections and closes the pool.
func (db *DB) Close(context.Context) { db.pool.Close() }
