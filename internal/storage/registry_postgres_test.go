package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs PostgreSQL in a container and returns its connection URL
func startPostgres(t *testing.T) string {
	t.Helper()

	if testing.Short() || os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("marketplace_test"),
		postgres.WithUsername("market"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return url
}

func TestPostgresStore(t *testing.T) {
	url := startPostgres(t)

	db, err := New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())

	runRegistrySuite(t, func(t *testing.T) registry {
		_, err := db.Pool.Exec(context.Background(), `TRUNCATE files CASCADE`)
		require.NoError(t, err)
		return NewPostgresStore(db)
	})
}
