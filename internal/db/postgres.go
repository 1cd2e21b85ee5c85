// Package db opens the Postgres connection pool shared by the repositories.
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrEmptyDSN is returned by Open when no DSN is configured.
var ErrEmptyDSN = errors.New("db: DATABASE_URL is empty")

const (
	// DefaultMaxOpenConns caps the query pool. Session watchers share a single LISTEN connection.
	DefaultMaxOpenConns = 25
	// LockPoolMaxOpenConns caps the pool that holds per-user advisory locks. Lock holders wait on
	// this pool, never on the query pool their admissions need.
	LockPoolMaxOpenConns = 10

	pingTimeout = 5 * time.Second
)

// Open opens the query pool for dsn, capped at DefaultMaxOpenConns, and pings it.
// Caller must call Close when done.
func Open(dsn string) (*sql.DB, error) {
	return OpenPool(dsn, DefaultMaxOpenConns)
}

// OpenPool opens a Postgres pool of at most maxOpen connections and pings it.
func OpenPool(dsn string, maxOpen int) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(min(10, maxOpen))
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
