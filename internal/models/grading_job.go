package models

import (
	"time"

	"gorm.io/datatypes"
)

// GradingJobStatus enumerates the outcomes tracked for a grading job.
type GradingJobStatus string

const (
	GradingJobStatusQueued    GradingJobStatus = "queued"
	GradingJobStatusRunning   GradingJobStatus = "running"
	GradingJobStatusSucceeded GradingJobStatus = "succeeded"
	GradingJobStatusFailed    GradingJobStatus = "failed"
	GradingJobStatusDiscarded GradingJobStatus = "discarded"
)

// GradingJob is the durable record of the single grading job allowed per submission.
type GradingJob struct {
	ID           uint              `gorm:"primaryKey" json:"id"`
	SubmissionID uint              `gorm:"not null;uniqueIndex" json:"submission_id"`
	EvaluationID uint              `gorm:"not null;index" json:"evaluation_id"`
	Status       GradingJobStatus  `gorm:"size:32;not null;index" json:"status"`
	Attempts     int               `gorm:"not null;default:0" json:"attempts"`
	LastError    string            `gorm:"type:text" json:"last_error"`
	Provider     string            `gorm:"size:32" json:"provider"`
	Model        string            `gorm:"size:64" json:"model"`
	Usage        datatypes.JSONMap `json:"usage"`
	StartedAt    *time.Time        `json:"started_at"`
	FinishedAt   *time.Time        `json:"finished_at"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`

	Submission *EvaluationSubmission `gorm:"foreignKey:SubmissionID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsOutstanding reports whether the job still needs a worker.
func (j GradingJob) IsOutstanding() bool {
	return j.Status == GradingJobStatusQueued || j.Status == GradingJobStatusRunning
}
