package postgresql

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/azure-fhir-server/internal/testutil"
)

func TestClient_WithSQLite(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)

	client, err := NewWithDB(db, &Config{MaxOpenConns: 1, ConnMaxLifetime: time.Minute}, testutil.DiscardLogger())
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	assert.NoError(t, client.HealthCheck(ctx))
	require.NoError(t, client.Migrate(ctx))
	require.NoError(t, client.Migrate(ctx), "migrations are idempotent")

	var tables int
	require.NoError(t, client.GetDB().GetContext(ctx, &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'export_jobs'`))
	assert.Equal(t, 1, tables)
	assert.Contains(t, client.Stats(), "MaxOpenConns: 1")
}

func TestNewClient_ConnectFailure(t *testing.T) {
	_, err := NewClient(&Config{DSN: "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1"}, testutil.DiscardLogger())
	assert.Error(t, err)
}
