// Package db provides database connection handling and schema migrations.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PgvectorRequirement documents that the application requires PostgreSQL with pgvector.
// pgvector stores the profile and tag embeddings.
const PgvectorRequirement = "pgvector extension is required for embedding columns"

// VersionQuery is the SQL query to verify pgvector is available.
const VersionQuery = "SELECT extversion FROM pg_extension WHERE extname = 'vector'"

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int           // default: 25
	MaxIdleConns    int           // default: 5
	ConnMaxLifetime time.Duration // default: 30m
	PingTimeout     time.Duration // default: 5s
}

// Open connects to databaseURL and verifies the connection with a ping.
func Open(ctx context.Context, databaseURL string, cfg PoolConfig) (*sql.DB, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// CheckPgvector returns the installed pgvector version, or an error when the
// extension is missing.
func CheckPgvector(ctx context.Context, db *sql.DB) (string, error) {
	var version string
	if err := db.QueryRowContext(ctx, VersionQuery).Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errors.New(PgvectorRequirement)
		}
		return "", fmt.Errorf("failed to query pgvector version: %w", err)
	}
	return version, nil
}
