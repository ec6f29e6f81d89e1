package domain

import "time"

// ETag is the opaque version marker guarding optimistic updates to an ExportJob
type ETag string

// ExportJob is the durable state of one bulk-export job
type ExportJob struct {
	JobID        string
	ResourceType string // empty exports every resource type
	Status       JobStatus
	QueuedAt     time.Time
	EndedAt      *time.Time
	SecretName   string
	Progress     *Progress
	Output       map[string]*FileInfo
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobSnapshot pairs a job with the etag it was read or written at
type JobSnapshot struct {
	Job  *ExportJob
	ETag ETag
}

// Progress is the persisted pagination cursor of a job.
//
// Page == 0 with a nil token is a fresh job; a nil token with Page > 0 means
// pagination finished.
type Progress struct {
	ContinuationToken *string `json:"continuationToken"`
	Page              int64   `json:"page"`
}

// Advance records that one more page was read and where the next one starts
func (p *Progress) Advance(continuationToken *string) {
	p.ContinuationToken = continuationToken
	p.Page++
}

// IsFresh reports whether no page has been read yet
func (p *Progress) IsFresh() bool {
	return p.Page == 0 && p.ContinuationToken == nil
}

// HasMore reports whether the pagination loop should request another page
func (p *Progress) HasMore() bool {
	return p.ContinuationToken != nil || p.Page == 0
}

// FileInfo tracks the single output file of one resource type
type FileInfo struct {
	ResourceType string `json:"type"`
	FileURI      string `json:"url"`
	Count        int64  `json:"count"`
	Bytes        int64  `json:"bytes"`
}

// Increment adds one written record of size n bytes
func (f *FileInfo) Increment(n int) {
	f.Count++
	f.Bytes += int64(n)
}

// FileName returns the destination file name used for a resource type
func FileName(resourceType string) string {
	return resourceType + NDJSONExtension
}

// Clone returns a deep copy of the job so callers can mutate it freely
func (j *ExportJob) Clone() *ExportJob {
	if j == nil {
		return nil
	}

	c := *j
	if j.EndedAt != nil {
		ended := *j.EndedAt
		c.EndedAt = &ended
	}
	if j.Progress != nil {
		p := *j.Progress
		if j.Progress.ContinuationToken != nil {
			token := *j.Progress.ContinuationToken
			p.ContinuationToken = &token
		}
		c.Progress = &p
	}
	c.Output = make(map[string]*FileInfo, len(j.Output))
	for k, v := range j.Output {
		fi := *v
		c.Output[k] = &fi
	}
	return &c
}

// MergeOutput copies every entry of src into the job's output, replacing entries
// that share a resource type and keeping the rest.
func (j *ExportJob) MergeOutput(src map[string]*FileInfo) {
	if j.Output == nil {
		j.Output = make(map[string]*FileInfo, len(src))
	}
	for k, v := range src {
		fi := *v
		j.Output[k] = &fi
	}
}

// TotalCount returns the number of exported records across all files
func (j *ExportJob) TotalCount() int64 {
	var total int64
	for _, fi := range j.Output {
		total += fi.Count
	}
	return total
}

// JobMessage represents a job message from RabbitMQ
type JobMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
}
