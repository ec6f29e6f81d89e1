package dto

import (
	"sort"
	"time"

	"github.com/NHSDigital/azure-fhir-server/internal/domain"
)

type DestinationRequest struct {
	Type             string `json:"type" binding:"required"`
	ConnectionString string `json:"connection_string" binding:"required"`
}

type CreateExportRequest struct {
	ResourceType string             `json:"resource_type"`
	Destination  DestinationRequest `json:"destination" binding:"required"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ProgressDTO struct {
	Page              int64   `json:"page"`
	ContinuationToken *string `json:"continuation_token,omitempty"`
}

type FileDTO struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count int64  `json:"count"`
	Bytes int64  `json:"bytes"`
}

type JobDTO struct {
	JobID        string       `json:"job_id"`
	ResourceType string       `json:"resource_type,omitempty"`
	Status       string       `json:"status"`
	QueuedAt     string       `json:"queued_at"`
	EndedAt      string       `json:"ended_at,omitempty"`
	Progress     *ProgressDTO `json:"progress,omitempty"`
	Output       []FileDTO    `json:"output"`
	TotalCount   int64        `json:"total_count"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

// FromJob renders a job for API responses; the secret name is never exposed
func FromJob(job *domain.ExportJob) JobDTO {
	out := JobDTO{
		JobID:        job.JobID,
		ResourceType: job.ResourceType,
		Status:       string(job.Status),
		QueuedAt:     job.QueuedAt.Format(time.RFC3339),
		Output:       make([]FileDTO, 0, len(job.Output)),
		TotalCount:   job.TotalCount(),
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}

	if job.EndedAt != nil {
		out.EndedAt = job.EndedAt.Format(time.RFC3339)
	}

	if job.Progress != nil {
		out.Progress = &ProgressDTO{
			Page:              job.Progress.Page,
			ContinuationToken: job.Progress.ContinuationToken,
		}
	}

	for _, fi := range job.Output {
		out.Output = append(out.Output, FileDTO{
			Type:  fi.ResourceType,
			URL:   fi.FileURI,
			Count: fi.Count,
			Bytes: fi.Bytes,
		})
	}
	sort.Slice(out.Output, func(i, j int) bool { return out.Output[i].Type < out.Output[j].Type })

	return out
}
