// Package storage provides the portfolio record store, the Redis lock, read
// cache and replay store, and the ClickHouse history archive.
package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portfolio-rebalancer/internal/config"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

// recordStatementTimeout bounds every statement against the portfolios table.
// Record reads and writes touch one row, so anything slower is stuck.
const recordStatementTimeout = "5s"

// PostgresDB holds the pool behind the portfolio record store
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB opens the pool and checks the database answers
func NewPostgresDB(ctx context.Context, cfg *config.PostgresConfig) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, apperrors.NewDatabaseError("parse connection string", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections) // #nosec G115 - MaxConnections is small and set by the operator
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnIdleTime = 10 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "portfolio-rebalancer"
	poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = recordStatementTimeout

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, apperrors.NewDatabaseError("create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewDatabaseError("connect", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the pool
func (db *PostgresDB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// Pool returns the underlying pool
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
