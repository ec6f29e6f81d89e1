// Package jobstore persists export jobs under optimistic concurrency.
//
// Every write replaces the row's etag with a fresh value and only succeeds when
// the caller presents the etag it last read, so concurrent actors (the export
// orchestrator, a cancel request, a re-claiming worker) never overwrite each
// other silently.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

const jobColumns = `
	job_id, resource_type, status, queued_at, ended_at, secret_name,
	progress, output, etag, heartbeat_at, created_at, updated_at`

// Store handles all database operations for export jobs
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type jobRow struct {
	JobID        string         `db:"job_id"`
	ResourceType string         `db:"resource_type"`
	Status       string         `db:"status"`
	QueuedAt     time.Time      `db:"queued_at"`
	EndedAt      sql.NullTime   `db:"ended_at"`
	SecretName   string         `db:"secret_name"`
	Progress     sql.NullString `db:"progress"`
	Output       string         `db:"output"`
	ETag         string         `db:"etag"`
	HeartbeatAt  sql.NullTime   `db:"heartbeat_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *jobRow) toSnapshot() (*domain.JobSnapshot, error) {
	job := &domain.ExportJob{
		JobID:        r.JobID,
		ResourceType: r.ResourceType,
		Status:       domain.JobStatus(r.Status),
		QueuedAt:     r.QueuedAt.UTC(),
		SecretName:   r.SecretName,
		Output:       map[string]*domain.FileInfo{},
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}

	if r.EndedAt.Valid {
		ended := r.EndedAt.Time.UTC()
		job.EndedAt = &ended
	}

	if r.Progress.Valid && r.Progress.String != "" {
		var p domain.Progress
		if err := json.Unmarshal([]byte(r.Progress.String), &p); err != nil {
			return nil, fmt.Errorf("failed to decode progress of job %s: %w", r.JobID, err)
		}
		job.Progress = &p
	}

	if r.Output != "" {
		if err := json.Unmarshal([]byte(r.Output), &job.Output); err != nil {
			return nil, fmt.Errorf("failed to decode output of job %s: %w", r.JobID, err)
		}
	}

	return &domain.JobSnapshot{Job: job, ETag: domain.ETag(r.ETag)}, nil
}

func encodeJob(job *domain.ExportJob) (progress sql.NullString, output string, err error) {
	if job.Progress != nil {
		b, err := json.Marshal(job.Progress)
		if err != nil {
			return progress, "", fmt.Errorf("failed to encode progress: %w", err)
		}
		progress = sql.NullString{String: string(b), Valid: true}
	}

	out := job.Output
	if out == nil {
		out = map[string]*domain.FileInfo{}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return progress, "", fmt.Errorf("failed to encode output: %w", err)
	}

	return progress, string(b), nil
}

func newETag() domain.ETag {
	return domain.ETag(uuid.NewString())
}

// CreateJob inserts a new job and returns it with its first etag
func (s *Store) CreateJob(ctx context.Context, job *domain.ExportJob) (*domain.JobSnapshot, error) {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	now := s.now()
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	job.QueuedAt = job.QueuedAt.UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	progress, output, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	etag := newETag()
	query := s.db.Rebind(`
		INSERT INTO export_jobs (
			job_id, resource_type, status, queued_at, ended_at, secret_name,
			progress, output, etag, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err = s.db.ExecContext(ctx, query,
		job.JobID,
		job.ResourceType,
		string(job.Status),
		job.QueuedAt,
		nullTime(job.EndedAt),
		job.SecretName,
		progress,
		output,
		string(etag),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Export job created",
		slog.String("job_id", job.JobID),
		slog.String("resource_type", job.ResourceType),
	)

	return &domain.JobSnapshot{Job: job.Clone(), ETag: etag}, nil
}

// GetJobByID retrieves a job from the database by its ID
func (s *Store) GetJobByID(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	return s.getJob(ctx, s.db, jobID)
}

func (s *Store) getJob(ctx context.Context, q sqlx.QueryerContext, jobID string) (*domain.JobSnapshot, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM export_jobs WHERE job_id = ?`)

	var row jobRow
	if err := sqlx.GetContext(ctx, q, &row, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toSnapshot()
}

// UpdateJob persists job if etag is still current and returns the stored
// record with its new etag. A stale etag yields domain.ErrJobConflict.
func (s *Store) UpdateJob(ctx context.Context, job *domain.ExportJob, etag domain.ETag) (*domain.JobSnapshot, error) {
	progress, output, err := encodeJob(job)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current struct {
		Status string `db:"status"`
		ETag   string `db:"etag"`
	}
	err = tx.GetContext(ctx, &current, tx.Rebind(`SELECT status, etag FROM export_jobs WHERE job_id = ?`), job.JobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to read job for update: %w", err)
	}

	if current.ETag != string(etag) {
		return nil, domain.ErrJobConflict
	}

	from := domain.JobStatus(current.Status)
	if from != job.Status && !from.CanTransitionTo(job.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatusTransition, from, job.Status)
	}

	newTag := newETag()
	updatedAt := s.now()
	query := tx.Rebind(`
		UPDATE export_jobs
		SET status = ?,
			ended_at = ?,
			progress = ?,
			output = ?,
			etag = ?,
			updated_at = ?
		WHERE job_id = ? AND etag = ?
	`)

	result, err := tx.ExecContext(ctx, query,
		string(job.Status),
		nullTime(job.EndedAt),
		progress,
		output,
		string(newTag),
		updatedAt,
		job.JobID,
		string(etag),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, domain.ErrJobConflict
	}

	snapshot, err := s.getJob(ctx, tx, job.JobID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job update: %w", err)
	}

	s.logger.Debug("Export job updated",
		slog.String("job_id", job.JobID),
		slog.String("status", string(job.Status)),
	)

	return snapshot, nil
}

// TryGetUpdatedJob reports whether the stored job no longer carries etag.
// It never writes; the returned snapshot is nil when nothing changed.
func (s *Store) TryGetUpdatedJob(ctx context.Context, jobID string, etag domain.ETag) (*domain.JobSnapshot, bool, error) {
	snapshot, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, false, err
	}

	if snapshot.ETag == etag {
		return nil, false, nil
	}

	return snapshot, true, nil
}

// ClaimJob moves a queued job to RUNNING, or re-claims a RUNNING job whose
// message was redelivered. The new etag fences off any older run of the job.
func (s *Store) ClaimJob(ctx context.Context, jobID string) (*domain.JobSnapshot, error) {
	snapshot, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job := snapshot.Job
	if job.Status != domain.JobStatusQueued && job.Status != domain.JobStatusRunning {
		s.logger.Warn("Failed to claim job - not in a claimable status",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}

	resumed := job.Status == domain.JobStatusRunning
	job.Status = domain.JobStatusRunning

	claimed, err := s.UpdateJob(ctx, job, snapshot.ETag)
	if err != nil {
		if errors.Is(err, domain.ErrJobConflict) {
			return nil, fmt.Errorf("%w: %v", domain.ErrJobAlreadyClaimed, err)
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.Bool("resumed", resumed),
	)

	return claimed, nil
}

// UpdateHeartbeat updates heartbeat_at for a running job. The etag is left
// untouched so the heartbeat never conflicts with the job's own checkpoints.
func (s *Store) UpdateHeartbeat(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE export_jobs
		SET heartbeat_at = ?
		WHERE job_id = ? AND status = ?
	`)

	result, err := s.db.ExecContext(ctx, query, s.now(), jobID, string(domain.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Status   domain.JobStatus
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job of a previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first; the extra row tells the
// caller whether another page exists.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]*domain.ExportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE 1=1`
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND job_id < ?))"
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.JobID)
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return toJobs(rows)
}

// ListStaleJobs returns RUNNING jobs whose last heartbeat is older than before
func (s *Store) ListStaleJobs(ctx context.Context, before time.Time) ([]*domain.ExportJob, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM export_jobs
		WHERE status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)
		ORDER BY created_at ASC`)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.JobStatusRunning), before.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	return toJobs(rows)
}

// DeleteJob removes a job that reached a terminal status
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`DELETE FROM export_jobs WHERE job_id = ? AND status IN (?, ?, ?)`)

	result, err := s.db.ExecContext(ctx, query, jobID,
		string(domain.JobStatusCompleted),
		string(domain.JobStatusFailed),
		string(domain.JobStatusCanceled),
	)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetJobByID(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: job is not in a terminal status", domain.ErrInvalidStatusTransition)
	}

	s.logger.Info("Export job deleted", slog.String("job_id", jobID))
	return nil
}

func toJobs(rows []jobRow) ([]*domain.ExportJob, error) {
	jobs := make([]*domain.ExportJob, 0, len(rows))
	for i := range rows {
		snapshot, err := rows[i].toSnapshot()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, snapshot.Job)
	}
	return jobs, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
