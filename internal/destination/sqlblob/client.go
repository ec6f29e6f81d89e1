// Package sqlblob is a destination that stores export files as rows of
// batch-keyed blocks in a SQL database.
package sqlblob

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/schema"
)

const uriPrefix = "sql://export_files/"

// Client writes export files into the export_files/export_file_blocks tables
type Client struct {
	driverName string
	logger     *slog.Logger
	db         *sqlx.DB
	ownsDB     bool
	jobID      string
	open       map[string]struct{}
	pending    *destination.PendingBlocks
	now        func() time.Time
}

// NewClient creates a client that opens its own connection with driverName
func NewClient(driverName string, logger *slog.Logger) *Client {
	return &Client{
		driverName: driverName,
		logger:     logger,
		ownsDB:     true,
		open:       make(map[string]struct{}),
		pending:    destination.NewPendingBlocks(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NewWithDB creates a client on a borrowed connection that Close leaves open
func NewWithDB(db *sqlx.DB, logger *slog.Logger) *Client {
	c := NewClient(db.DriverName(), logger)
	c.db = db
	c.ownsDB = false
	return c
}

// Factory returns a destination.Factory for driverName
func Factory(driverName string) destination.Factory {
	return func(logger *slog.Logger) destination.Client {
		return NewClient(driverName, logger)
	}
}

// Connect opens the database (unless borrowed) and ensures the block tables exist
func (c *Client) Connect(ctx context.Context, connectionString, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("sql destination requires a job id")
	}

	if c.db == nil {
		db, err := sqlx.ConnectContext(ctx, c.driverName, connectionString)
		if err != nil {
			return fmt.Errorf("failed to connect to sql destination: %w", err)
		}
		c.db = db
	}

	if err := schema.Migrate(ctx, c.db); err != nil {
		return fmt.Errorf("failed to prepare sql destination: %w", err)
	}

	c.jobID = jobID
	c.logger.Info("Connected to sql destination", slog.String("driver", c.db.DriverName()))
	return nil
}

// CreateFile registers name for the job; an existing registration is reused
func (c *Client) CreateFile(ctx context.Context, name string) (string, error) {
	if c.db == nil || c.jobID == "" {
		return "", fmt.Errorf("sql destination is not connected")
	}
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("invalid file name: %q", name)
	}

	uri := uriPrefix + c.jobID + "/" + name
	query := c.db.Rebind(`
		INSERT INTO export_files (file_uri, job_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (file_uri) DO NOTHING`)

	if _, err := c.db.ExecContext(ctx, query, uri, c.jobID, name, c.now()); err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	c.open[uri] = struct{}{}
	return uri, nil
}

// OpenFile reopens a file created by an earlier run
func (c *Client) OpenFile(ctx context.Context, fileURI string) error {
	if c.db == nil {
		return fmt.Errorf("sql destination is not connected")
	}

	var exists int
	query := c.db.Rebind(`SELECT 1 FROM export_files WHERE file_uri = ?`)
	err := c.db.GetContext(ctx, &exists, query, fileURI)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrFileNotFound, fileURI)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}

	c.open[fileURI] = struct{}{}
	return nil
}

// WriteFilePart stages data for fileURI under batchID
func (c *Client) WriteFilePart(ctx context.Context, fileURI string, batchID int64, data []byte) error {
	if _, ok := c.open[fileURI]; !ok {
		return fmt.Errorf("file is not open: %s", fileURI)
	}
	c.pending.Append(fileURI, batchID, data)
	return nil
}

// Commit upserts every staged block in one transaction
func (c *Client) Commit(ctx context.Context) error {
	blocks := c.pending.Blocks()
	if len(blocks) == 0 {
		return nil
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO export_file_blocks (file_uri, batch_id, data, committed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (file_uri, batch_id) DO UPDATE
		SET data = excluded.data, committed_at = excluded.committed_at`)

	now := c.now()
	for _, b := range blocks {
		if _, err := tx.ExecContext(ctx, query, b.FileURI, b.BatchID, b.Data, now); err != nil {
			return fmt.Errorf("failed to write block %d of %s: %w", b.BatchID, b.FileURI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.logger.Debug("SQL destination committed",
		slog.Int("blocks", len(blocks)),
		slog.Int("bytes", c.pending.Size()),
	)
	c.pending.Reset()
	return nil
}

// Close drops uncommitted data and closes an owned connection
func (c *Client) Close() error {
	c.pending.Reset()
	c.open = make(map[string]struct{})

	if c.db == nil || !c.ownsDB {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

// ReadFile returns the committed content of fileURI in batch order
func (c *Client) ReadFile(ctx context.Context, fileURI string) ([]byte, error) {
	if c.db == nil {
		return nil, fmt.Errorf("sql destination is not connected")
	}

	var parts [][]byte
	query := c.db.Rebind(`
		SELECT data FROM export_file_blocks
		WHERE file_uri = ?
		ORDER BY batch_id ASC`)
	if err := c.db.SelectContext(ctx, &parts, query, fileURI); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return bytes.Join(parts, nil), nil
}
