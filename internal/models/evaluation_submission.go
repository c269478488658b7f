package models

import "time"

// SubmissionStatus enumerates the states of a student's grading unit.
type SubmissionStatus string

const (
	SubmissionStatusPending   SubmissionStatus = "pending"
	SubmissionStatusSubmitted SubmissionStatus = "submitted"
	SubmissionStatusUploaded  SubmissionStatus = "uploaded"
	SubmissionStatusAbsent    SubmissionStatus = "absent"
	SubmissionStatusEvaluated SubmissionStatus = "evaluated"
	SubmissionStatusFinalized SubmissionStatus = "finalized"
)

// SettledSubmissionStatuses lists the statuses that count towards batch completion.
var SettledSubmissionStatuses = []SubmissionStatus{
	SubmissionStatusAbsent,
	SubmissionStatusEvaluated,
	SubmissionStatusFinalized,
}

// EvaluationSubmission is one student's grading unit inside an evaluation.
type EvaluationSubmission struct {
	ID               uint             `gorm:"primaryKey" json:"id"`
	EvaluationID     uint             `gorm:"not null;uniqueIndex:idx_submission_evaluation_student" json:"evaluation_id"`
	StudentID        uint             `gorm:"not null;uniqueIndex:idx_submission_evaluation_student" json:"student_id"`
	Status           SubmissionStatus `gorm:"size:32;not null;index" json:"status"`
	IsAbsent         bool             `gorm:"not null;default:false" json:"is_absent"`
	ScriptRef        string           `gorm:"size:1024" json:"script_ref"`
	AiResult         *AiResult        `gorm:"serializer:json" json:"ai_result"`
	TotalMarkAwarded float64          `gorm:"not null;default:0" json:"total_mark_awarded"`
	GradingError     string           `gorm:"type:text" json:"grading_error"`
	GradingFailedAt  *time.Time       `json:"grading_failed_at"`
	FinalizedAt      *time.Time       `json:"finalized_at"`
	FinalizedBy      *uint            `json:"finalized_by"`
	Version          uint             `gorm:"not null;default:1" json:"version"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// GradingFailed reports whether the last grading attempt failed permanently.
func (s EvaluationSubmission) GradingFailed() bool {
	return s.Status == SubmissionStatusUploaded && s.GradingFailedAt != nil
}

// IsSettled reports whether the submission no longer blocks batch completion.
func (s EvaluationSubmission) IsSettled() bool {
	for _, status := range SettledSubmissionStatuses {
		if s.Status == status {
			return true
		}
	}
	return false
}
