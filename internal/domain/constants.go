package domain

// JobStatus is the lifecycle state of an export job
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// IsTerminal reports whether no further transition is allowed from s
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known statuses
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next keeps the status moving forward.
// Re-entering RUNNING from RUNNING is allowed so a redelivered job can be re-claimed.
// A QUEUED job may fail when it could not be handed to a worker.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCanceled || next == JobStatusFailed
	case JobStatusRunning:
		return next == JobStatusRunning || next.IsTerminal()
	default:
		return false
	}
}

// NDJSONExtension is appended to the resource type to name its output file
const NDJSONExtension = ".ndjson"
