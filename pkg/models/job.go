package models

import "time"

// ============================================================================
// Job Status
// ============================================================================

// JobStatus represents the lifecycle state of a long-running job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ValidJobStatuses contains all valid job status values.
var ValidJobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusInProgress,
	JobStatusCompleted,
	JobStatusFailed,
}

// IsValidJobStatus checks if the given status is valid.
func IsValidJobStatus(s JobStatus) bool {
	for _, v := range ValidJobStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a terminal state. Terminal jobs
// are immutable; late updates against them are no-ops.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ============================================================================
// Job Info
// ============================================================================

// JobInfo tracks one long-running ingestion or evaluation job. Owned
// exclusively by the job manager and mutated only through its locked
// update path.
type JobInfo struct {
	JobID   string    `json:"job_id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message,omitempty"`

	CompletedCounter int `json:"completed_counter"`
	FailedCounter    int `json:"failed_counter"`
	Total            int `json:"total"`

	// Error is a human-readable summary; Errors accumulates bounded
	// per-item detail.
	Error  string   `json:"error,omitempty"`
	Errors []string `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobUpdate describes one delta against a job record. Nil pointer fields
// are left untouched; the counter deltas are signed increments applied to
// the freshly read record, never to a stale local copy.
type JobUpdate struct {
	Status  *JobStatus
	Message *string
	Total   *int
	Error   *string

	CompletedDelta int
	FailedDelta    int

	// AddErrors appends to the job's bounded per-item error list.
	AddErrors []string
}
