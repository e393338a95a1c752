package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Processing run statuses. The first four mirror backend job statuses; the
// rest are local outcomes.
const (
	RunStatusPending    = "pending"
	RunStatusProcessing = "processing"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
	RunStatusCancelled  = "cancelled"
	RunStatusAbandoned  = "abandoned" // left unfinished by a previous session
)

// OpenRunStatuses are the statuses a run may still move out of
var OpenRunStatuses = []string{RunStatusPending, RunStatusProcessing}

// ProcessingRun is the local record of one batch submitted for processing.
// The backend job id is deliberately not stored: jobs never outlive a session.
type ProcessingRun struct {
	ID         string     `gorm:"primaryKey" json:"id"`
	Status     string     `gorm:"not null;default:pending;index" json:"status"`
	Progress   int        `gorm:"not null;default:0" json:"progress"` // 0-100
	FilesCount int        `gorm:"not null;default:0;column:files_count" json:"files_count"`
	Files      string     `gorm:"type:text" json:"files"` // JSON array of file names
	Message    string     `gorm:"type:text" json:"message"`
	Results    string     `gorm:"type:text" json:"results"` // JSON blob, completed runs only
	StartedAt  time.Time  `gorm:"not null;column:started_at" json:"started_at"`
	FinishedAt *time.Time `gorm:"column:finished_at" json:"finished_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BeforeCreate hook to generate UUID before creating record
func (r *ProcessingRun) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}

// TableName specifies the table name for GORM
func (ProcessingRun) TableName() string {
	return "processing_runs"
}
