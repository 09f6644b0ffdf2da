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
	postgresdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ContainersEnv gates container-backed tests. Leave it unset to skip them.
const ContainersEnv = "STINGER_TEST_CONTAINERS"

// NewPostgres starts a disposable PostgreSQL container and returns a gorm
// handle to it. The container is terminated when the test finishes. Callers
// migrate their own schemas.
func NewPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	if os.Getenv(ContainersEnv) == "" {
		t.Skipf("set %s=1 to run container-backed tests", ContainersEnv)
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("stinger_test"),
		postgres.WithUsername("stinger"),
		postgres.WithPassword("stinger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	db, err := gorm.Open(postgresdriver.Open(connStr), &gorm.Config{})
	require.NoError(t, err, "Failed to connect to test database")
	return db
}
