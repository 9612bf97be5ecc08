// Package db opens the Postgres connection pool behind the payment store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// SchemaQuery reports whether the payments table from migrations/ exists.
const SchemaQuery = "SELECT to_regclass('public.payments') IS NOT NULL"

// ErrSchemaMissing is returned by Open when the migrations have not been applied.
var ErrSchemaMissing = errors.New("payments table not found; apply migrations/ first")

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPool is sized for a single API instance. Every capture and refund
// holds a row lock for the length of a gateway call, so MaxOpenConns bounds
// concurrent state changes.
var DefaultPool = PoolConfig{
	MaxOpenConns:    25,
	MaxIdleConns:    5,
	ConnMaxLifetime: 30 * time.Minute,
	ConnectTimeout:  5 * time.Second,
}

// Open connects to dsn, verifies connectivity and checks that the schema is
// in place. The returned pool must be closed by the caller.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if pool.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pool.ConnectTimeout)
		defer cancel()
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := CheckSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// CheckSchema returns ErrSchemaMissing if the payments table does not exist.
func CheckSchema(ctx context.Context, db *sql.DB) error {
	var exists bool
	if err := db.QueryRowContext(ctx, SchemaQuery).Scan(&exists); err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	if !exists {
		return ErrSchemaMissing
	}
	return nil
}
