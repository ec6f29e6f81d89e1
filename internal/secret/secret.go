// Package secret stores destination connection info outside the job record.
package secret

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// Store resolves and manages named secrets
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
	SetSecret(ctx context.Context, name, value string) error
	DeleteSecret(ctx context.Context, name string) error
}

// DestinationInfo is the deserialized value of an export job's secret
type DestinationInfo struct {
	DestinationType             string `json:"destinationType"`
	DestinationConnectionString string `json:"destinationConnectionString"`
}

// Name returns the secret name used for a job
func Name(prefix, jobID string) string {
	return prefix + jobID
}

// Encode serializes destination info into a secret value
func (d DestinationInfo) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode destination info: %w", err)
	}
	return string(b), nil
}

// ResolveDestination reads and decodes the destination info stored under name
func ResolveDestination(ctx context.Context, store Store, name string) (*DestinationInfo, error) {
	value, err := store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	var info DestinationInfo
	if err := json.Unmarshal([]byte(value), &info); err != nil {
		return nil, fmt.Errorf("failed to decode destination info: %w", err)
	}
	if info.DestinationType == "" {
		return nil, fmt.Errorf("destination info in secret %s has no destination type", name)
	}

	return &info, nil
}

// SQLStore keeps secrets in the export_secrets table
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewSQLStore creates a new SQLStore instance
func NewSQLStore(db *sqlx.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

// GetSecret returns the value stored under name
func (s *SQLStore) GetSecret(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.db.Rebind(`SELECT value FROM export_secrets WHERE name = ?`), name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", domain.ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("failed to get secret: %w", err)
	}
	return value, nil
}

// SetSecret creates or replaces the value stored under name
func (s *SQLStore) SetSecret(ctx context.Context, name, value string) error {
	query := s.db.Rebind(`
		INSERT INTO export_secrets (name, value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value
	`)

	if _, err := s.db.ExecContext(ctx, query, name, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set secret: %w", err)
	}
	return nil
}

// DeleteSecret removes name; deleting a missing secret is not an error
func (s *SQLStore) DeleteSecret(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM export_secrets WHERE name = ?`), name); err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}

	s.logger.Debug("Secret deleted", slog.String("name", name))
	return nil
}
