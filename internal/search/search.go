// Package search answers paginated resource queries for export jobs.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Query parameter names understood by Search
const (
	ParamContinuationToken = "ct"
	ParamCount             = "_count"
	ParamLastUpdated       = "_lastUpdated"
)

const (
	// DefaultPageSize is used when no _count parameter is given
	DefaultPageSize = 100
	// MaxPageSize caps the _count parameter
	MaxPageSize = 5000
)

// Param is one name/value query parameter
type Param struct {
	Name  string
	Value string
}

// Record is one matched resource
type Record struct {
	ResourceType string
	ResourceID   string
	LastUpdated  time.Time
	Body         json.RawMessage
}

type recordRow struct {
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	LastUpdated  time.Time `db:"last_updated"`
	Body         string    `db:"body"`
}

// Result is one page of records. A nil ContinuationToken means no more pages.
type Result struct {
	Records           []Record
	ContinuationToken *string
}

// Searcher answers paginated queries
type Searcher interface {
	Search(ctx context.Context, resourceType string, params []Param) (*Result, error)
}

// Store is a Searcher over the resources table
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

type query struct {
	cursor     *Cursor
	count      int
	upperBound *time.Time
	exclusive  bool
}

func parseParams(params []Param) (*query, error) {
	q := &query{count: DefaultPageSize}

	for _, p := range params {
		switch p.Name {
		case ParamContinuationToken:
			cursor, err := DecodeCursor(p.Value)
			if err != nil {
				return nil, err
			}
			q.cursor = cursor

		case ParamCount:
			n, err := strconv.Atoi(p.Value)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid %s parameter: %q", ParamCount, p.Value)
			}
			if n > MaxPageSize {
				n = MaxPageSize
			}
			q.count = n

		case ParamLastUpdated:
			bound, exclusive, err := parseUpperBound(p.Value)
			if err != nil {
				return nil, err
			}
			q.upperBound = &bound
			q.exclusive = exclusive

		default:
			return nil, fmt.Errorf("unsupported search parameter: %s", p.Name)
		}
	}

	return q, nil
}

// parseUpperBound accepts "le<RFC3339>" and "lt<RFC3339>"
func parseUpperBound(value string) (time.Time, bool, error) {
	var exclusive bool
	switch {
	case strings.HasPrefix(value, "le"):
		value = value[2:]
	case strings.HasPrefix(value, "lt"):
		value = value[2:]
		exclusive = true
	default:
		return time.Time{}, false, fmt.Errorf("invalid %s parameter: only le and lt prefixes are supported", ParamLastUpdated)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s parameter: %w", ParamLastUpdated, err)
	}
	return t.UTC(), exclusive, nil
}

// Search returns the next page of resources of resourceType (every type when
// empty) ordered by (resource_type, resource_id).
func (s *Store) Search(ctx context.Context, resourceType string, params []Param) (*Result, error) {
	q, err := parseParams(params)
	if err != nil {
		return nil, err
	}

	stmt := `SELECT resource_type, resource_id, last_updated, body FROM resources WHERE 1=1`
	args := []interface{}{}

	if resourceType != "" {
		stmt += " AND resource_type = ?"
		args = append(args, resourceType)
	}

	if q.upperBound != nil {
		if q.exclusive {
			stmt += " AND last_updated < ?"
		} else {
			stmt += " AND last_updated <= ?"
		}
		args = append(args, *q.upperBound)
	}

	if q.cursor != nil {
		stmt += " AND (resource_type > ? OR (resource_type = ? AND resource_id > ?))"
		args = append(args, q.cursor.ResourceType, q.cursor.ResourceType, q.cursor.ResourceID)
	}

	// Fetch one extra to determine if there are more results
	stmt += " ORDER BY resource_type ASC, resource_id ASC LIMIT ?"
	args = append(args, q.count+1)

	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(stmt), args...); err != nil {
		return nil, fmt.Errorf("failed to search resources: %w", err)
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{
			ResourceType: row.ResourceType,
			ResourceID:   row.ResourceID,
			LastUpdated:  row.LastUpdated.UTC(),
			Body:         json.RawMessage(row.Body),
		}
	}

	result := &Result{Records: records}
	if len(records) > q.count {
		result.Records = records[:q.count]
		last := result.Records[len(result.Records)-1]
		token := EncodeCursor(&Cursor{ResourceType: last.ResourceType, ResourceID: last.ResourceID})
		result.ContinuationToken = &token
	}

	s.logger.Debug("Search page fetched",
		slog.String("resource_type", resourceType),
		slog.Int("count", len(result.Records)),
		slog.Bool("has_more", result.ContinuationToken != nil),
	)

	return result, nil
}

// Upsert inserts or replaces a resource
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.ResourceType == "" || rec.ResourceID == "" {
		return fmt.Errorf("resource type and id are required")
	}
	if !json.Valid(rec.Body) {
		return fmt.Errorf("resource %s/%s body is not valid JSON", rec.ResourceType, rec.ResourceID)
	}

	query := s.db.Rebind(`
		INSERT INTO resources (resource_type, resource_id, last_updated, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_type, resource_id)
		DO UPDATE SET last_updated = excluded.last_updated, body = excluded.body
	`)

	_, err := s.db.ExecContext(ctx, query, rec.ResourceType, rec.ResourceID, rec.LastUpdated.UTC(), string(rec.Body))
	if err != nil {
		return fmt.Errorf("failed to upsert resource: %w", err)
	}
	return nil
}
