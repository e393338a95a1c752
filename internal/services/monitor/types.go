package monitor

import (
	"context"
	"time"

	"pricing-desktop/internal/api"
)

// HealthChecker reports whether the backend answers right now
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// DashboardSource supplies the figures pushed to the dashboard
type DashboardSource interface {
	DashboardStats(ctx context.Context) (*api.DashboardStats, error)
}

// BackendStatus is the payload of the backend:status-changed event
type BackendStatus struct {
	Online    bool      `json:"online"`
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// LaunchListResponse represents a backend launch in list responses
type LaunchListResponse struct {
	ID          string  `json:"id"`
	PID         int     `json:"pid"`
	Command     string  `json:"command"`
	State       string  `json:"state"`
	FailureKind string  `json:"failure_kind,omitempty"`
	Error       string  `json:"error,omitempty"`
	Attempts    int     `json:"attempts"`
	ExitCode    *int    `json:"exit_code"`
	Signal      string  `json:"signal,omitempty"`
	LogPath     string  `json:"log_path"`
	StartedAt   string  `json:"started_at"` // ISO 8601 format
	ReadyAt     *string `json:"ready_at"`
	EndedAt     *string `json:"ended_at"`
}
