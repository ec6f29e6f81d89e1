package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
	"github.com/NHSDigital/azure-fhir-server/internal/secret"
)

// JobStore is the subset of the job store the HTTP handlers use
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.ExportJob) (*domain.JobSnapshot, error)
	GetJobByID(ctx context.Context, jobID string) (*domain.JobSnapshot, error)
	UpdateJob(ctx context.Context, job *domain.ExportJob, etag domain.ETag) (*domain.JobSnapshot, error)
	ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]*domain.ExportJob, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Publisher queues job messages for the worker service
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger              *slog.Logger
	JobStore            JobStore
	Secrets             secret.Store
	Publisher           Publisher
	SecretPrefix        string
	AllowedDestinations []string
}

// JobHandler handles export job HTTP requests
type JobHandler struct {
	logger              *slog.Logger
	jobStore            JobStore
	secrets             secret.Store
	publisher           Publisher
	secretPrefix        string
	allowedDestinations map[string]bool
	now                 func() time.Time
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	allowed := make(map[string]bool, len(deps.AllowedDestinations))
	for _, kind := range deps.AllowedDestinations {
		allowed[kind] = true
	}

	return &JobHandler{
		logger:              deps.Logger,
		jobStore:            deps.JobStore,
		secrets:             deps.Secrets,
		publisher:           deps.Publisher,
		secretPrefix:        deps.SecretPrefix,
		allowedDestinations: allowed,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}
