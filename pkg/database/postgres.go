package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool defaults tuned for the audit workload: many short appends, few
// long-running verification scans.
const (
	defaultMaxConns     = 25
	defaultConnLifetime = time.Hour
	defaultConnIdleTime = 30 * time.Minute
)

// DB wraps the pgx pool backing the audit store. Company-scoped connections
// are checked out through WithCompany, not used directly.
type DB struct {
	*pgxpool.Pool
}

// Config holds audit store connection settings. Zero values fall back to the
// package defaults.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewConnection opens the audit store pool and verifies it is reachable.
func NewConnection(ctx context.Context, cfg *Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns <= 0 {
		poolConfig.MaxConns = defaultMaxConns
	}
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime <= 0 {
		poolConfig.MaxConnLifetime = defaultConnLifetime
	}
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime <= 0 {
		poolConfig.MaxConnIdleTime = defaultConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create audit store pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit store: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases the pool and all company-scoped connections checked out of it.
func (db *DB) Close() {
	db.Pool.Close()
}
