// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/NHSDigital/azure-fhir-server/internal/schema"
)

// NewSQLiteDB opens a migrated in-memory SQLite database.
// The pool is pinned to one connection because every connection to ":memory:"
// opens a separate database.
func NewSQLiteDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err, "open in-memory sqlite")
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, schema.Migrate(context.Background(), db), "migrate schema")
	return db
}

// DiscardLogger returns a logger that drops every record
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
