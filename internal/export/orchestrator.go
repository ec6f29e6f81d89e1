// Package export drives one bulk-export job: it pages through search results,
// routes every record to its resource type's destination file and checkpoints
// progress so an interrupted job resumes without losing or duplicating data.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/NHSDigital/azure-fhir-server/internal/destination"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/search"
	"github.com/NHSDigital/azure-fhir-server/internal/secret"
)

// Defaults used when Config leaves a value unset
const (
	DefaultPagesPerCommit = 10
)

// JobStore is the part of the job store the orchestrator needs
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
	UpdateJob(ctx context.Context, job *domain.ExportJob, etag domain.ETag) (*domain.JobSnapshot, error)
	TryGetUpdatedJob(ctx context.Context, jobID string, etag domain.ETag) (*domain.JobSnapshot, bool, error)
}

// Config holds orchestrator dependencies and tuning
type Config struct {
	Logger          *slog.Logger
	JobStore        JobStore
	Searcher        search.Searcher
	Secrets         secret.Store
	Destinations    *destination.Registry
	MaxItemsPerPage int
	PagesPerCommit  int
}

// Orchestrator runs export jobs. It is safe to call Run for different jobs
// concurrently; each call owns its own working state.
type Orchestrator struct {
	logger         *slog.Logger
	jobStore       JobStore
	searcher       search.Searcher
	secrets        secret.Store
	destinations   *destination.Registry
	pageSize       int
	pagesPerCommit int64
	now            func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg *Config) *Orchestrator {
	pageSize := cfg.MaxItemsPerPage
	if pageSize <= 0 {
		pageSize = search.DefaultPageSize
	}
	pagesPerCommit := cfg.PagesPerCommit
	if pagesPerCommit <= 0 {
		pagesPerCommit = DefaultPagesPerCommit
	}

	return &Orchestrator{
		logger:         cfg.Logger,
		jobStore:       cfg.JobStore,
		searcher:       cfg.Searcher,
		secrets:        cfg.Secrets,
		destinations:   cfg.Destinations,
		pageSize:       pageSize,
		pagesPerCommit: int64(pagesPerCommit),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// run is the private working state of one Run call
type run struct {
	o       *Orchestrator
	logger  *slog.Logger
	job     *domain.ExportJob
	etag    domain.ETag
	client  destination.Client
	files   *fileSet
	batchID int64
}

// Run exports the job in snapshot until it completes, fails, or is taken over
// by another actor. A nil return covers both completion and a hand-over.
//
// If ctx is canceled mid-run the job is left RUNNING at its last checkpoint and
// a retryable error is returned so the job can be resumed later.
func (o *Orchestrator) Run(ctx context.Context, snapshot *domain.JobSnapshot) error {
	r := &run{
		o:    o,
		job:  snapshot.Job.Clone(),
		etag: snapshot.ETag,
		logger: o.logger.With(
			slog.String("job_id", snapshot.Job.JobID),
			slog.String("resource_type", snapshot.Job.ResourceType),
		),
	}

	err := r.execute(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		r.logger.Warn("Export interrupted, job left at last checkpoint",
			slog.Int64("page", r.job.Progress.Page),
			slog.String("error", err.Error()),
		)
		return domain.NewRetryableError(fmt.Errorf("export interrupted: %w", ctx.Err()))
	}

	r.logger.Error("Export failed",
		slog.String("error", err.Error()),
	)

	finalized, ferr := r.finalize(ctx, domain.JobStatusFailed)
	if ferr != nil {
		r.logger.Error("Failed to mark job as FAILED",
			slog.String("error", ferr.Error()),
		)
		return fmt.Errorf("export failed: %w (finalize: %v)", err, ferr)
	}
	if !finalized {
		return nil
	}
	return fmt.Errorf("export failed: %w", err)
}

func (r *run) execute(ctx context.Context) error {
	if r.job.Progress == nil {
		r.job.Progress = &domain.Progress{}
	}
	if r.job.Output == nil {
		r.job.Output = make(map[string]*domain.FileInfo)
	}

	info, err := secret.ResolveDestination(ctx, r.o.secrets, r.job.SecretName)
	if err != nil {
		return fmt.Errorf("failed to resolve destination: %w", err)
	}

	client, err := r.o.destinations.New(info.DestinationType, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			r.logger.Warn("Failed to close destination client",
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := client.Connect(ctx, info.DestinationConnectionString, r.job.JobID); err != nil {
		return fmt.Errorf("failed to connect to destination: %w", err)
	}

	r.client = client
	r.files = newFileSet(client)
	r.batchID = r.job.Progress.Page

	if r.job.Progress.IsFresh() {
		r.logger.Info("Starting export", slog.String("destination", info.DestinationType))
	} else {
		r.logger.Info("Resuming export",
			slog.String("destination", info.DestinationType),
			slog.Int64("page", r.job.Progress.Page),
			slog.Int("files", len(r.job.Output)),
		)
	}

	stopped, err := r.paginate(ctx)
	if err != nil || stopped {
		return err
	}

	if err := client.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit final batch: %w", err)
	}

	finalized, err := r.finalize(ctx, domain.JobStatusCompleted)
	if err != nil {
		return err
	}
	if !finalized {
		return nil
	}

	r.logger.Info("Export completed",
		slog.Int64("pages", r.job.Progress.Page),
		slog.Int64("records", r.job.TotalCount()),
		slog.Int("files", len(r.job.Output)),
	)

	if err := r.o.secrets.DeleteSecret(ctx, r.job.SecretName); err != nil {
		r.logger.Warn("Failed to delete job secret",
			slog.String("secret_name", r.job.SecretName),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// paginate runs the page loop. stopped is true when another actor took the
// job over and the run must end without finalizing.
func (r *run) paginate(ctx context.Context) (stopped bool, err error) {
	for r.job.Progress.HasMore() {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		result, err := r.o.searcher.Search(ctx, r.job.ResourceType, r.searchParams())
		if err != nil {
			return false, fmt.Errorf("failed to search page %d: %w", r.job.Progress.Page, err)
		}

		if err := r.writePage(ctx, result.Records); err != nil {
			return false, err
		}

		r.job.Progress.Advance(result.ContinuationToken)
		r.logger.Debug("Page exported",
			slog.Int64("page", r.job.Progress.Page),
			slog.Int("records", len(result.Records)),
			slog.Int64("batch_id", r.batchID),
		)

		if result.ContinuationToken == nil {
			break
		}

		if r.job.Progress.Page%r.o.pagesPerCommit == 0 {
			stopped, err = r.checkpoint(ctx)
		} else {
			stopped, err = r.probe(ctx)
		}
		if err != nil || stopped {
			return stopped, err
		}
	}
	return false, nil
}

func (r *run) searchParams() []search.Param {
	params := make([]search.Param, 0, 3)
	if token := r.job.Progress.ContinuationToken; token != nil {
		params = append(params, search.Param{Name: search.ParamContinuationToken, Value: *token})
	}
	return append(params,
		search.Param{Name: search.ParamCount, Value: strconv.Itoa(r.o.pageSize)},
		search.Param{Name: search.ParamLastUpdated, Value: "le" + r.job.QueuedAt.UTC().Format(time.RFC3339Nano)},
	)
}

func (r *run) writePage(ctx context.Context, records []search.Record) error {
	for _, rec := range records {
		resourceType := rec.ResourceType
		if resourceType == "" {
			resourceType = r.job.ResourceType
		}
		if resourceType == "" {
			return fmt.Errorf("record %s has no resource type", rec.ResourceID)
		}

		line, err := encodeRecord(rec)
		if err != nil {
			return err
		}

		fi, err := r.files.route(ctx, r.job, resourceType)
		if err != nil {
			return err
		}

		if err := r.client.WriteFilePart(ctx, fi.FileURI, r.batchID, line); err != nil {
			return fmt.Errorf("failed to write %s record %s: %w", resourceType, rec.ResourceID, err)
		}
		fi.Increment(len(line))
	}
	return nil
}
