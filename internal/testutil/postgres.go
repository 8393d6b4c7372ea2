// Package testutil provides PostgreSQL test fixtures for package tests that
// need a real database. It spins up (or reuses) a Postgres instance and
// returns a fully migrated *database.Client, cleaned up automatically.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/devstream-project/devstream/pkg/database"
)

// NewTestDatabase creates a test database client.
//
// In CI (when CI_DATABASE_URL is set), it connects to an external PostgreSQL
// service container. Otherwise it spins up a disposable testcontainer. In
// both cases embedded migrations are applied before the client is returned,
// and the underlying connection/container is torn down via t.Cleanup.
func NewTestDatabase(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	var cfg database.DSNConfig

	if ciURL := os.Getenv("CI_DATABASE_URL"); ciURL != "" {
		t.Log("testutil: using external PostgreSQL from CI_DATABASE_URL")
		cfg = database.DSNConfig{RawDSN: ciURL}
	} else {
		t.Log("testutil: using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("devstream_test"),
			postgres.WithUsername("devstream"),
			postgres.WithPassword("devstream"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("testutil: failed to terminate container: %v", err)
			}
		})

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
		cfg = database.DSNConfig{RawDSN: connStr}
	}

	client, err := database.NewClientFromDSN(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}
