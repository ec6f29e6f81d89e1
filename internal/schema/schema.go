// Package schema holds the DDL shared by the job store, secret store, search
// backend and SQL destination. The statements are portable between PostgreSQL
// and SQLite.
package schema

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed schema.sql
var ddl string

// Statements returns the individual DDL statements in execution order
func Statements() []string {
	var stmts []string
	for _, s := range strings.Split(ddl, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// Migrate creates every table and index that does not exist yet
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Statements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
