package models

import "time"

// EvaluationStatus enumerates the lifecycle of a grading batch.
type EvaluationStatus string

const (
	// EvaluationStatusPending indicates scripts are still being collected.
	EvaluationStatusPending EvaluationStatus = "pending"
	// EvaluationStatusInProgress indicates grading jobs have been dispatched.
	EvaluationStatusInProgress EvaluationStatus = "in-progress"
	// EvaluationStatusCompleted indicates every submission has settled.
	EvaluationStatusCompleted EvaluationStatus = "completed"
)

// DefaultTotalMarks is applied when an evaluation is created without a marks budget.
const DefaultTotalMarks = 100

// Evaluation is a grading batch for one class/section/subject pairing.
type Evaluation struct {
	ID               uint                   `gorm:"primaryKey" json:"id"`
	Name             string                 `gorm:"size:255;not null" json:"name"`
	ClassID          uint                   `gorm:"not null;index" json:"class_id"`
	SectionID        uint                   `gorm:"not null;index" json:"section_id"`
	SubjectID        uint                   `gorm:"not null;index" json:"subject_id"`
	CreatedBy        uint                   `gorm:"not null" json:"created_by"`
	TotalMarks       float64                `gorm:"not null;default:100" json:"total_marks"`
	QuestionPaperRef string                 `gorm:"size:1024" json:"question_paper_ref"`
	AnswerKeyRef     string                 `gorm:"size:1024" json:"answer_key_ref"`
	Status           EvaluationStatus       `gorm:"size:32;not null;index" json:"status"`
	StartedAt        *time.Time             `json:"started_at"`
	CompletedAt      *time.Time             `json:"completed_at"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Submissions      []EvaluationSubmission `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"submissions,omitempty"`
}

// KeyScriptRefs returns the optional answer key references passed to the grading oracle.
func (e Evaluation) KeyScriptRefs() []string {
	if e.AnswerKeyRef == "" {
		return []string{}
	}
	return []string{e.AnswerKeyRef}
}

// IsCompleted reports whether the batch has settled.
func (e Evaluation) IsCompleted() bool {
	return e.Status == EvaluationStatusCompleted
}
