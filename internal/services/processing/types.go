package processing

import (
	"context"
	"encoding/json"
	"time"

	"pricing-desktop/internal/api"
	"pricing-desktop/internal/jobs"
)

// Backend is the part of the backend API the processing flow needs
type Backend interface {
	Upload(ctx context.Context, files []api.UploadFile) (*api.UploadResult, error)
	StartProcessing(ctx context.Context) (*api.ProcessResponse, error)
	JobStatus(ctx context.Context, jobID string) (*jobs.Job, error)
}

// JobView is what the front-end sees of the tracked job
type JobView struct {
	JobID      string          `json:"job_id"`
	RunID      string          `json:"run_id"`
	Status     jobs.Status     `json:"status"`
	Progress   float64         `json:"progress"` // 0.0-1.0
	Message    string          `json:"message"`
	Results    json.RawMessage `json:"results,omitempty"` // completed jobs only
	FilesCount int             `json:"files_count"`
	Stale      bool            `json:"stale"` // last status request failed
	Error      string          `json:"error,omitempty"`
	Tracking   bool            `json:"tracking"`
}

// Run is a started processing job together with its tracker
type Run struct {
	RunID      string
	JobID      string
	FilesCount int
	Handle     *jobs.Handle
}

// RunSummary is one entry of the local run history
type RunSummary struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	FilesCount int        `json:"files_count"`
	Files      []string   `json:"files"`
	Message    string     `json:"message"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}
