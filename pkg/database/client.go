// Package database provides the PostgreSQL client and migration
// utilities shared by the store layer and the outbox relay.
package database

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"

	"github.com/sluicehq/sluice/pkg/config"
)

// Client wraps the sqlx connection pool. All store packages receive the
// pool through this type so tests can substitute sqlmock-backed pools.
type Client struct {
	db *sqlx.DB
}

// DB returns the underlying pool for direct queries and transactions.
func (c *Client) DB() *sqlx.DB { return c.db }

// Close releases the pool.
func (c *Client) Close() error { return c.db.Close() }

// NewClientFromDB wraps an existing pool (useful for testing).
func NewClientFromDB(db *sqlx.DB) *Client { return &Client{db: db} }

// DSN builds the pgx-compatible connection string for cfg.
func DSN(cfg config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode,
	)
}

// NewClient opens a pooled connection, verifies it, and applies pending
// migrations.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	db, err := sqlx.Open("pgx", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db.DB, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}
