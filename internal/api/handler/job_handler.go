package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NHSDigital/azure-fhir-server/internal/api/dto"
	"github.com/NHSDigital/azure-fhir-server/internal/domain"
	"github.com/NHSDigital/azure-fhir-server/internal/jobstore"
	"github.com/NHSDigital/azure-fhir-server/internal/secret"
)

const (
	defaultListPageSize = 20
	maxListPageSize     = 100
	maxCancelAttempts   = 3
)

// CreateJob handles POST /api/v1/exports
// Stores the destination secret, records a QUEUED job and queues it for a worker
func (h *JobHandler) CreateJob(c *gin.Context) {
	h.logger.Info("CreateJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
	)

	var req dto.CreateExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if len(h.allowedDestinations) > 0 && !h.allowedDestinations[req.Destination.Type] {
		h.logger.Error("Destination type not allowed", slog.String("destination_type", req.Destination.Type))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("destination type %q is not allowed", req.Destination.Type),
		})
		return
	}

	ctx := c.Request.Context()
	jobID := uuid.NewString()
	secretName := secret.Name(h.secretPrefix, jobID)

	value, err := secret.DestinationInfo{
		DestinationType:             req.Destination.Type,
		DestinationConnectionString: req.Destination.ConnectionString,
	}.Encode()
	if err == nil {
		err = h.secrets.SetSecret(ctx, secretName, value)
	}
	if err != nil {
		h.logger.Error("Failed to store destination secret", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create export job",
		})
		return
	}

	snapshot, err := h.jobStore.CreateJob(ctx, &domain.ExportJob{
		JobID:        jobID,
		ResourceType: req.ResourceType,
		Status:       domain.JobStatusQueued,
		QueuedAt:     h.now(),
		SecretName:   secretName,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		h.deleteSecret(c, secretName)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create export job",
		})
		return
	}

	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err == nil {
		err = h.publisher.PublishWithRetry(ctx, body, "application/json")
	}
	if err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		h.failUnqueuedJob(c, snapshot)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to queue export job",
		})
		return
	}

	c.Header("Location", "/api/v1/exports/"+jobID)
	c.Header("ETag", string(snapshot.ETag))
	c.JSON(http.StatusAccepted, dto.FromJob(snapshot.Job))
}

// failUnqueuedJob marks a job that never reached the queue as FAILED
func (h *JobHandler) failUnqueuedJob(c *gin.Context, snapshot *domain.JobSnapshot) {
	job := snapshot.Job.Clone()
	ended := h.now()
	job.Status = domain.JobStatusFailed
	job.EndedAt = &ended

	if _, err := h.jobStore.UpdateJob(c.Request.Context(), job, snapshot.ETag); err != nil {
		h.logger.Error("Failed to mark unqueued job as failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}
	h.deleteSecret(c, job.SecretName)
}

func (h *JobHandler) deleteSecret(c *gin.Context, name string) {
	if err := h.secrets.DeleteSecret(c.Request.Context(), name); err != nil {
		h.logger.Warn("Failed to delete destination secret",
			slog.String("secret_name", name),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob handles GET /api/v1/exports/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	snapshot, err := h.jobStore.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.writeStoreError(c, "Failed to get job", err)
		return
	}

	c.Header("ETag", string(snapshot.ETag))
	c.JSON(http.StatusOK, dto.FromJob(snapshot.Job))
}

// ListJobs handles GET /api/v1/exports
// Lists jobs newest first with optional status filter and keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	status := domain.JobStatus(req.Status)
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("unknown status %q", req.Status),
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultListPageSize
	}

	if req.PageSize > maxListPageSize {
		req.PageSize = maxListPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.jobStore.ListJobs(c.Request.Context(), jobstore.JobFilter{
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i, job := range jobs {
		jobResponse[i] = dto.FromJob(job)
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&jobstore.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/exports/:job_id/cancel
// Marks a queued or running job CANCELED; a running export notices at its next checkpoint
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	for attempt := 1; attempt <= maxCancelAttempts; attempt++ {
		snapshot, err := h.jobStore.GetJobByID(ctx, jobID)
		if err != nil {
			h.writeStoreError(c, "Failed to get job", err)
			return
		}

		job := snapshot.Job.Clone()
		if job.Status.IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "job is already finished",
				"job_id": jobID,
				"status": job.Status,
			})
			return
		}

		wasQueued := job.Status == domain.JobStatusQueued
		ended := h.now()
		job.Status = domain.JobStatusCanceled
		job.EndedAt = &ended

		updated, err := h.jobStore.UpdateJob(ctx, job, snapshot.ETag)
		if errors.Is(err, domain.ErrJobConflict) {
			h.logger.Warn("Job changed while canceling, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			h.writeStoreError(c, "Failed to cancel job", err)
			return
		}

		// A running export still needs its destination to flush the last checkpoint.
		if wasQueued {
			h.deleteSecret(c, job.SecretName)
		}

		h.logger.Info("Export job canceled", slog.String("job_id", jobID))
		c.Header("ETag", string(updated.ETag))
		c.JSON(http.StatusOK, dto.FromJob(updated.Job))
		return
	}

	h.logger.Error("Failed to cancel job after retries",
		slog.String("job_id", jobID),
		slog.Int("attempts", maxCancelAttempts),
	)
	c.JSON(http.StatusConflict, gin.H{
		"error":  "job is being updated concurrently, try again",
		"job_id": jobID,
	})
}

// DeleteJob handles DELETE /api/v1/exports/:job_id
// Permanently deletes a finished job record and its destination secret
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	snapshot, err := h.jobStore.GetJobByID(ctx, jobID)
	if err != nil {
		h.writeStoreError(c, "Failed to get job", err)
		return
	}

	if err := h.jobStore.DeleteJob(ctx, jobID); err != nil {
		h.writeStoreError(c, "Failed to delete job", err)
		return
	}

	h.deleteSecret(c, snapshot.Job.SecretName)
	c.Status(http.StatusNoContent)
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")

	h.logger.Info("Job request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}

	return jobID, true
}

func (h *JobHandler) writeStoreError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	default:
		h.logger.Error(msg, slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": msg,
		})
	}
}
