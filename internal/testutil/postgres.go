//go:build integration

package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/NHSDigital/azure-fhir-server/internal/schema"
)

var (
	postgresOnce sync.Once
	postgresDSN  string
	postgresErr  error
)

// NewPostgresDB returns a migrated, emptied connection to a throwaway PostgreSQL
// container shared by the test binary. TEST_DATABASE_URL points the tests at an
// existing server instead.
func NewPostgresDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	postgresOnce.Do(func() {
		postgresDSN = os.Getenv("TEST_DATABASE_URL")
		if postgresDSN == "" {
			postgresDSN, postgresErr = startPostgres(ctx)
		}
	})
	require.NoError(t, postgresErr, "start postgres")
	dsn := postgresDSN

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err, "connect to postgres")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schema.Migrate(ctx, db), "migrate schema")
	for _, table := range []string{"export_file_blocks", "export_files", "resources", "export_secrets", "export_jobs"} {
		_, err := db.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err, "truncate %s", table)
	}
	return db
}

// startPostgres launches the container; the testcontainers reaper removes it
// when the test binary exits.
func startPostgres(ctx context.Context) (string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "export",
				"POSTGRES_PASSWORD": "export",
				"POSTGRES_DB":       "export_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get mapped port: %w", err)
	}

	return fmt.Sprintf("host=%s port=%s user=export password=export dbname=export_test sslmode=disable", host, port.Port()), nil
}
