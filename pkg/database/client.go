// Package database provides the PostgreSQL connection pool and migration
// utilities devstream's relational components are built on.
package database

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devstream-project/devstream/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Config is an alias of pkg/config.DatabaseConfig, so callers can pass the
// loaded configuration straight through.
type Config = config.DatabaseConfig

// Client wraps a pgx connection pool.
type Client struct {
	pool *pgxpool.Pool
}

// Pool returns the underlying pgx pool for direct queries.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// Close closes the underlying connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// NewClient creates a new database client with connection pooling and runs
// embedded migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
	return newClient(ctx, dsn, int32(cfg.MaxOpenConns), int32(cfg.MaxIdleConns), cfg.ConnMaxLifetime, cfg.ConnMaxIdleTime)
}

// DSNConfig wraps a ready-made connection string, for callers (test
// fixtures) that already hold one and want to bypass pkg/config.
type DSNConfig struct {
	RawDSN string
}

// NewClientFromDSN creates a client directly from a DSN, applying embedded
// migrations. Used by test fixtures that already hold a connection string.
func NewClientFromDSN(ctx context.Context, cfg DSNConfig) (*Client, error) {
	dsn := cfg.RawDSN
	return newClient(ctx, dsn, 10, 5, time.Hour, 15*time.Minute)
}

func newClient(ctx context.Context, dsn string, maxConns, minConns int32, maxLifetime, maxIdleTime time.Duration) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	poolCfg.MaxConnLifetime = maxLifetime
	poolCfg.MaxConnIdleTime = maxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{pool: pool}, nil
}

// runMigrations applies embedded SQL migrations with golang-migrate.
//
// Migration workflow:
//  1. Developer adds a migration pair under migrations/NNNN_name.{up,down}.sql
//  2. Files are embedded into the binary via go:embed — no external files
//     are required in production deployments.
//  3. App applies pending migrations on startup (this function).
func runMigrations(dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	defer func() { _ = sourceDriver.Close() }()

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	srcErr, dbErr := m.Close()
	if dbErr != nil {
		return fmt.Errorf("failed to close migration driver: %w", dbErr)
	}
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	return nil
}
