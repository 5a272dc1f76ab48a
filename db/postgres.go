// Package db provides the persistence layer for the article pipeline:
// a pgx connection pool for the hot path, a gorm handle for record-style
// tables (feeds, system configurations, alert events), and the Redis client
// shared by locks, queues, and caches.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	gormpg "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PostgresDB wraps a PostgreSQL connection pool with helper methods using
// the pgx driver. The hot path (article claims, index upserts, chunk writes,
// metric inserts) goes through here; record-style CRUD uses the gorm handle.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// NewPostgresDB creates a PostgreSQL connection pool. When synchronousCommit
// is false, sessions run with synchronous_commit=off, trading durability of
// the most recent transactions for commit latency.
func NewPostgresDB(ctx context.Context, dsn string, maxConns int, synchronousCommit bool) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if !synchronousCommit {
		cfg.ConnConfig.RuntimeParams["synchronous_commit"] = "off"
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the database connection pool.
func (db *PostgresDB) Close() {
	db.pool.Close()
}

// Ping verifies connectivity.
func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Exec executes a SQL statement.
func (db *PostgresDB) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := db.pool.Exec(ctx, sql, args...)
	return err
}

// Query executes a query that returns rows. Caller must close the rows.
func (db *PostgresDB) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return db.pool.Query(ctx, sql, args...)
}

// QueryRow executes a query that returns a single row.
func (db *PostgresDB) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return db.pool.QueryRow(ctx, sql, args...)
}

// Pool returns the underlying connection pool for transactions and batch
// operations.
func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}

// NewGormDB opens a gorm handle over the same database for record-style
// tables. Gorm's own logger is silenced; the pipeline logs through logrus.
func NewGormDB(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(gormpg.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}
	return gdb, nil
}
