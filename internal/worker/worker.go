// Package worker consumes export job messages from RabbitMQ and runs each job
// through the export orchestrator on a fixed-size goroutine pool.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/shared/rabbitmq"
)

const defaultHeartbeatInterval = 30 * time.Second

// JobStore is the part of the job store the worker needs
type JobStore interface {
	ClaimJob(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
	UpdateHeartbeat(ctx context.Context, jobID string) error
}

// Exporter runs one claimed export job
type Exporter interface {
	Run(ctx context.Context, snapshot *domain.JobSnapshot) error
}

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	RabbitClient      *rabbitmq.Client
	JobStore          JobStore
	Exporter          Exporter
	WorkerID          string
	QueueName         string
	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

// Worker represents the background export worker
type Worker struct {
	logger            *slog.Logger
	rabbitClient      *rabbitmq.Client
	jobStore          JobStore
	exporter          Exporter
	workerID          string
	rabbitMQQueueName string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	acknowledger      func() amqp.Acknowledger
	jobsChan          chan *domain.JobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	w := &Worker{
		logger:            cfg.Logger,
		rabbitClient:      cfg.RabbitClient,
		jobStore:          cfg.JobStore,
		exporter:          cfg.Exporter,
		workerID:          cfg.WorkerID,
		rabbitMQQueueName: cfg.QueueName,
		concurrency:       concurrency,
		prefetchCount:     prefetch,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: heartbeat,
		jobsChan:          make(chan *domain.JobMessage),
		stopChan:          make(chan struct{}),
	}
	w.acknowledger = w.channelAcknowledger
	return w
}

// channelAcknowledger returns the RabbitMQ channel, or nil when there is none
func (w *Worker) channelAcknowledger() amqp.Acknowledger {
	if w.rabbitClient == nil {
		return nil
	}
	ch := w.rabbitClient.GetChannel()
	if ch == nil {
		return nil
	}
	return ch
}

// Start consumes the queue and processes jobs until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop signals the pool to exit and waits for in-flight jobs
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
