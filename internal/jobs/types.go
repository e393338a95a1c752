package jobs

import (
	"encoding/json"
	"errors"
)

// Status is the server-reported state of a processing job
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further state changes will occur for the job
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one snapshot of a server-tracked unit of work. The client never
// writes these fields; each status response replaces the previous snapshot.
type Job struct {
	ID        string          `json:"job_id,omitempty"`
	Status    Status          `json:"status"`
	Progress  float64         `json:"progress"` // 0.0-1.0
	Message   string          `json:"message"`
	Results   json.RawMessage `json:"results,omitempty"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// CompletedResults returns the results payload only when the job completed.
// A failed job may carry an error object in results; that is not exposed here.
func (j *Job) CompletedResults() (json.RawMessage, bool) {
	if j == nil || j.Status != StatusCompleted || len(j.Results) == 0 || string(j.Results) == "null" {
		return nil, false
	}
	return j.Results, true
}

// normalize clamps progress into [0,1]; the server is not trusted to be monotonic or bounded.
func (j *Job) normalize() {
	switch {
	case j.Progress < 0:
		j.Progress = 0
	case j.Progress > 1:
		j.Progress = 1
	}
}

// ErrJobFailed marks a job the server reported as failed. It is terminal for
// the job only; a new job can be started.
var ErrJobFailed = errors.New("job failed")
