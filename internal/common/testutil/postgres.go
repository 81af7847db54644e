package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openidx/antifraud/internal/common/database"
)

// StartPostgres runs postgres:16-alpine in a container and connects to it.
// The test is skipped when no container runtime is available.
func StartPostgres(t *testing.T) *database.PostgresDB {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "antifraud",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start test container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Skipf("Failed to get container port: %v", err)
	}

	connString := "postgres://test:test@" + host + ":" + port.Port() + "/antifraud?sslmode=disable"
	db, err := database.NewPostgres(ctx, connString, database.PoolOptions{MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Skipf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
