package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// checkpoint commits the destination and persists progress and output.
// stopped is true when the job was changed by another actor.
func (r *run) checkpoint(ctx context.Context) (stopped bool, err error) {
	if err := r.client.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit batch %d: %w", r.batchID, err)
	}

	snapshot, err := r.o.jobStore.UpdateJob(ctx, r.job, r.etag)
	if err != nil {
		if !errors.Is(err, domain.ErrJobConflict) {
			return false, fmt.Errorf("failed to persist checkpoint: %w", err)
		}

		r.resolveConflict(ctx, true)
		return true, nil
	}

	r.adopt(snapshot)
	r.batchID = r.job.Progress.Page
	r.logger.Info("Checkpoint saved",
		slog.Int64("page", r.job.Progress.Page),
		slog.Int64("records", r.job.TotalCount()),
	)
	return false, nil
}

// probe checks for a newer job version without writing
func (r *run) probe(ctx context.Context) (stopped bool, err error) {
	canonical, changed, err := r.o.jobStore.TryGetUpdatedJob(ctx, r.job.JobID, r.etag)
	if err != nil {
		return false, fmt.Errorf("failed to check job for updates: %w", err)
	}
	if !changed {
		return false, nil
	}

	r.handleExternalUpdate(ctx, canonical, false)
	return true, nil
}

// resolveConflict reloads the job after a rejected write and hands it to
// handleExternalUpdate. A failed reload abandons the run; the conflict is
// never surfaced to the caller.
func (r *run) resolveConflict(ctx context.Context, committed bool) {
	canonical, err := r.o.jobStore.GetJobByID(ctx, r.job.JobID)
	if err != nil {
		r.logger.Warn("Failed to reload job after conflict, abandoning run",
			slog.String("error", err.Error()),
		)
		return
	}
	r.handleExternalUpdate(ctx, canonical, committed)
}

// handleExternalUpdate reacts to a job changed by someone else. For a canceled
// job whose output this run has committed, the output is merged into the
// canonical record without touching its status. Everything else is abandoned.
func (r *run) handleExternalUpdate(ctx context.Context, canonical *domain.JobSnapshot, committed bool) {
	status := canonical.Job.Status
	if status != domain.JobStatusCanceled || !committed {
		r.logger.Warn("Job updated by another actor, abandoning run",
			slog.String("status", string(status)),
			slog.Bool("committed", committed),
		)
		return
	}

	merged := canonical.Job.Clone()
	merged.MergeOutput(r.job.Output)

	if _, err := r.o.jobStore.UpdateJob(ctx, merged, canonical.ETag); err != nil {
		r.logger.Warn("Failed to merge output into canceled job",
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("Job canceled, committed output merged",
		slog.Int("files", len(merged.Output)),
	)
}

// finalize persists a terminal status. A conflict is handled like a
// checkpoint conflict: the run never writes its status over a newer version,
// it only merges committed output into a canceled job. finalized is false when
// the run abandoned the job.
func (r *run) finalize(ctx context.Context, status domain.JobStatus) (finalized bool, err error) {
	endedAt := r.o.now()

	job := r.job.Clone()
	job.Status = status
	job.EndedAt = &endedAt

	snapshot, err := r.o.jobStore.UpdateJob(ctx, job, r.etag)
	if errors.Is(err, domain.ErrJobConflict) {
		// Everything is committed before COMPLETED; a failing run may hold
		// output that never reached the destination.
		r.resolveConflict(ctx, status == domain.JobStatusCompleted)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark job %s: %w", status, err)
	}

	r.adopt(snapshot)
	return true, nil
}

func (r *run) adopt(snapshot *domain.JobSnapshot) {
	r.job = snapshot.Job
	r.etag = snapshot.ETag
	if r.job.Output == nil {
		r.job.Output = make(map[string]*domain.FileInfo)
	}
	if r.job.Progress == nil {
		r.job.Progress = &domain.Progress{}
	}
}
