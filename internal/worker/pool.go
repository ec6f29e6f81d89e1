package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processJob(ctx, msg)
			w.acknowledge(workerName, msg, err)
		}
	}
}

// acknowledge ACKs a handled message or NACKs it, requeueing retryable failures
func (w *Worker) acknowledge(workerName string, msg *domain.JobMessage, err error) {
	ack := w.acknowledger()
	if ack == nil {
		w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
		)
		return
	}

	if err == nil {
		if ackErr := ack.Ack(msg.DeliveryTag, false); ackErr != nil {
			w.logger.Error("Failed to ACK message",
				slog.String("worker_name", workerName),
				slog.String("job_id", msg.JobID),
				slog.String("error", ackErr.Error()),
			)
		}
		return
	}

	requeue := shouldRequeueJob(err)
	w.logger.Error("Job processing failed",
		slog.String("worker_name", workerName),
		slog.String("job_id", msg.JobID),
		slog.Bool("requeue", requeue),
		slog.String("error", err.Error()),
	)

	if nackErr := ack.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
		w.logger.Error("Failed to NACK message",
			slog.String("worker_name", workerName),
			slog.String("job_id", msg.JobID),
			slog.String("error", nackErr.Error()),
		)
	}
}

// shouldRequeueJob determines if a job should be requeued based on the error type
func shouldRequeueJob(err error) bool {
	// Another worker owns the job, or it is already finished
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false
	}

	if errors.Is(err, domain.ErrJobNotFound) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
