package models

import (
	"time"
)

// BackendLaunch records one supervised backend instance, keyed by the
// supervisor's instance id.
type BackendLaunch struct {
	ID          string     `gorm:"primaryKey" json:"id"`
	PID         int        `gorm:"column:pid" json:"pid"`
	Command     string     `gorm:"type:text" json:"command"`
	State       string     `gorm:"not null;index" json:"state"` // starting, ready, failed, stopped
	FailureKind string     `gorm:"column:failure_kind" json:"failure_kind,omitempty"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	ExitCode    *int       `gorm:"column:exit_code" json:"exit_code"`
	Signal      string     `json:"signal,omitempty"`
	LogPath     string     `gorm:"column:log_path" json:"log_path"`
	StartedAt   time.Time  `gorm:"not null;column:started_at" json:"started_at"`
	ReadyAt     *time.Time `gorm:"column:ready_at" json:"ready_at"`
	EndedAt     *time.Time `gorm:"column:ended_at" json:"ended_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (BackendLaunch) TableName() string {
	return "backend_launches"
}
