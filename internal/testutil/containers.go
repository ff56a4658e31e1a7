// Package testutil starts throwaway backend containers for integration
// tests. Every helper skips the calling test when -short is set or Docker
// is not available.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startupTimeout is generous for CI environments.
const startupTimeout = 3 * time.Minute

func run(t *testing.T, image string, opts ...testcontainers.ContainerCustomizer) (testcontainers.Container, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skipf("skipping %s container in -short mode", image)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	t.Cleanup(cancel)

	c, err := testcontainers.Run(ctx, image, opts...)
	testcontainers.CleanupContainer(t, c)
	if err != nil {
		t.Skipf("cannot start %s container (is Docker running?): %v", image, err)
	}
	return c, ctx
}

// StartPostgresContainer returns a DSN for a fresh PostgreSQL database.
func StartPostgresContainer(t *testing.T) string {
	t.Helper()

	c, ctx := run(t, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity using a DSN built from the mapped host:port
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://hookflow:hookflow@%s:%s/hookflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "hookflow",
			"POSTGRES_PASSWORD": "hookflow",
			"POSTGRES_DB":       "hookflow_test",
		}),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("postgres endpoint: %v", err)
	}
	return fmt.Sprintf("postgres://hookflow:hookflow@%s/hookflow_test?sslmode=disable", endpoint)
}

// StartMongoContainer returns a connection URI for a fresh MongoDB.
func StartMongoContainer(t *testing.T) string {
	t.Helper()

	c, ctx := run(t, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("mongo endpoint: %v", err)
	}
	return fmt.Sprintf("mongodb://%s", endpoint)
}

// StartRedisContainer returns the host:port of a fresh Redis.
func StartRedisContainer(t *testing.T) string {
	t.Helper()

	c, ctx := run(t, "redis:7",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	)

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return endpoint
}
