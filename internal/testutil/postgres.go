// Package testutil starts throwaway infrastructure for integration tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/migrations"
)

// TestDB holds a migrated database running in a container.
type TestDB struct {
	DB        *database.DB
	DSN       string
	container testcontainers.Container
}

// SetupTestDB starts PostgreSQL, applies the embedded migrations and returns
// a connected pool. The test is skipped unless APPROVALS_PG_TESTS=1, since it
// needs a Docker daemon.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file loaded: %v", err)
	}
	if os.Getenv("APPROVALS_PG_TESTS") != "1" {
		t.Skip("set APPROVALS_PG_TESTS=1 to run PostgreSQL integration tests")
	}

	ctx := context.Background()
	user, password, name := envOr("DB_USERNAME", "approvals"), envOr("DB_PASSWORD", "approvals"), envOr("DB_NAME", "approvals")

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       name,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		terminate(t, container)
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		terminate(t, container)
		t.Fatalf("Failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), name)

	if err := migrations.Up(dsn); err != nil {
		terminate(t, container)
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	db, err := database.NewFromDSN(ctx, dsn, database.Config{MaxConns: 20, MinConns: 1})
	if err != nil {
		terminate(t, container)
		t.Fatalf("Failed to connect to test DB: %v", err)
	}

	tdb := &TestDB{DB: db, DSN: dsn, container: container}
	t.Cleanup(func() { tdb.Teardown(t) })
	return tdb
}

// Teardown closes the pool and removes the container.
func (td *TestDB) Teardown(t *testing.T) {
	td.DB.Close()
	terminate(t, td.container)
}

func terminate(t *testing.T, c testcontainers.Container) {
	if err := c.Terminate(context.Background()); err != nil {
		t.Errorf("Failed to terminate container: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
