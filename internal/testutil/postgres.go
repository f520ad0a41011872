// Package testutil holds helpers shared by package tests: a throwaway
// PostgreSQL container and a JSON client for the HTTP API.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/skirmish/internal/config"
	"github.com/cory-johannsen/skirmish/internal/storage/postgres"
)

const (
	postgresImage = "postgres:16-alpine"
	postgresCreds = "skirmish"
)

// PostgresContainer is a disposable PostgreSQL server with a connected pool.
type PostgresContainer struct {
	Pool   *postgres.Pool
	Config config.DatabaseConfig
}

// NewPostgresContainer starts a container for the duration of t.
//
// Postcondition: Returns a connected container; skips under -short or without a
// healthy Docker provider; fails the test otherwise. Cleanup terminates it.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	start := time.Now()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     postgresCreds,
				"POSTGRES_PASSWORD": postgresCreds,
				"POSTGRES_DB":       postgresCreds,
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting %s: %v [%s]", postgresImage, err, time.Since(start))
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.PortEndpoint(ctx, "5432/tcp", "")
	if err != nil {
		t.Fatalf("resolving container endpoint: %v", err)
	}
	host, port := splitEndpoint(t, endpoint)

	cfg := config.DatabaseConfig{
		Host:            host,
		Port:            port,
		User:            postgresCreds,
		Password:        postgresCreds,
		Name:            postgresCreds,
		SSLMode:         "disable",
		MaxConns:        4,
		MinConns:        1,
		MaxConnLifetime: time.Minute,
	}
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", postgresImage, err, time.Since(start))
	}
	t.Cleanup(pool.Close)

	t.Logf("%s ready at %s [%s]", postgresImage, endpoint, time.Since(start))
	return &PostgresContainer{Pool: pool, Config: cfg}
}

// ApplyMigrations brings the schema up to date.
func (pc *PostgresContainer) ApplyMigrations(t *testing.T) {
	t.Helper()
	if err := postgres.Migrate(pc.DSN()); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
}

// Reset deletes every combat (participants cascade) so tests can share a container.
func (pc *PostgresContainer) Reset(t *testing.T) {
	t.Helper()
	if _, err := pc.Pool.DB().Exec(context.Background(), `TRUNCATE combats CASCADE`); err != nil {
		t.Fatalf("truncating combats: %v", err)
	}
}

// DSN returns the container's connection string.
func (pc *PostgresContainer) DSN() string {
	return pc.Config.DSN()
}
