package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// processJob claims a job, keeps its heartbeat fresh and runs the export.
// The returned error decides between ACK, NACK and NACK with requeue.
func (w *Worker) processJob(ctx context.Context, msg *domain.JobMessage) error {
	snapshot, err := w.jobStore.ClaimJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrJobNotFound) {
			w.logger.Warn("Job not claimable, skipping",
				slog.String("job_id", msg.JobID),
				slog.String("error", err.Error()),
			)
			return err
		}

		// Database error - could be transient
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go w.sendJobHeartbeat(jobCtx, msg.JobID, heartbeatDone)
	defer close(heartbeatDone)

	if err := w.exporter.Run(jobCtx, snapshot); err != nil {
		return err
	}

	w.logger.Info("Job processed",
		slog.String("job_id", msg.JobID),
	)
	return nil
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (w *Worker) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := w.jobStore.UpdateHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
