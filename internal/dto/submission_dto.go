package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
)

// Grading states reported alongside the submission status.
const (
	GradingStatePending = "pending"
	GradingStateFailed  = "failed"
	GradingStateGraded  = "graded"
)

// Manual edit operations accepted by PATCH /submissions/:id/result.
const (
	EditTogglePoint = "toggle_point"
	EditSetMarks    = "set_marks"
	EditSetFeedback = "set_feedback"
)

// SubmissionResponse is returned to API clients when viewing submissions.
type SubmissionResponse struct {
	ID               uint             `json:"id"`
	EvaluationID     uint             `json:"evaluation_id"`
	StudentID        uint             `json:"student_id"`
	Status           string           `json:"status"`
	GradingState     string           `json:"grading_state,omitempty"`
	GradingError     string           `json:"grading_error,omitempty"`
	IsAbsent         bool             `json:"is_absent"`
	ScriptRef        string           `json:"script_ref,omitempty"`
	AiResult         *models.AiResult `json:"ai_result"`
	TotalMarkAwarded float64          `json:"total_mark_awarded"`
	FinalizedAt      *time.Time       `json:"finalized_at,omitempty"`
	FinalizedBy      *uint            `json:"finalized_by,omitempty"`
	Version          uint             `json:"version"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// ManualEdit is a single reviewer change to a grading result.
type ManualEdit struct {
	Op            string   `json:"op" validate:"required,oneof=toggle_point set_marks set_feedback"`
	QuestionIndex int      `json:"question_index" validate:"gte=0"`
	PointIndex    *int     `json:"point_index" validate:"omitempty,gte=0"`
	Credited      *bool    `json:"credited"`
	Marks         *float64 `json:"marks" validate:"omitempty,gte=0"`
	Feedback      *string  `json:"feedback" validate:"omitempty,max=4000"`
}

// ManualEditRequest applies reviewer edits atomically. Version, when set,
// must match the submission version the reviewer last saw.
type ManualEditRequest struct {
	Version *uint        `json:"version"`
	Edits   []ManualEdit `json:"edits" validate:"required,min=1,max=200,dive"`
}

// ManualGradeRequest attaches a reviewer-authored result to an ungraded script.
type ManualGradeRequest struct {
	Version *uint           `json:"version"`
	Result  json.RawMessage `json:"result" validate:"required"`
}

// FinalizeRequest locks a reviewed result.
type FinalizeRequest struct {
	Version *uint `json:"version"`
}

// SubmissionStatsResponse carries the recomputed totals and outcome rollups.
type SubmissionStatsResponse struct {
	SubmissionID          uint                   `json:"submission_id"`
	Version               uint                   `json:"version"`
	TotalMarkAwarded      float64                `json:"total_mark_awarded"`
	TotalMarks            float64                `json:"total_marks"`
	Percentage            float64                `json:"percentage"`
	QuestionCount         int                    `json:"question_count"`
	InterventionsRequired int                    `json:"interventions_required"`
	CO                    []grading.OutcomeGroup `json:"co"`
	PO                    []grading.OutcomeGroup `json:"po"`
	PSO                   []grading.OutcomeGroup `json:"pso"`
}

// ProgressEvent is streamed to clients watching an evaluation.
type ProgressEvent struct {
	Type         string          `json:"type"`
	EvaluationID uint            `json:"evaluation_id"`
	SubmissionID uint            `json:"submission_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Message      string          `json:"message,omitempty"`
	Progress     *ProgressCounts `json:"progress,omitempty"`
	At           time.Time       `json:"at"`
}

// Progress event types.
const (
	EventSnapshot         = "snapshot"
	EventBatchStarted     = "batch.started"
	EventBatchCompleted   = "batch.completed"
	EventJobSucceeded     = "job.succeeded"
	EventJobFailed        = "job.failed"
	EventJobDiscarded     = "job.discarded"
	EventSubmissionChange = "submission.updated"
)

// GradingState derives the grading progress label for a submission.
func GradingState(model models.EvaluationSubmission) string {
	switch model.Status {
	case models.SubmissionStatusUploaded:
		if model.GradingFailed() {
			return GradingStateFailed
		}
		return GradingStatePending
	case models.SubmissionStatusEvaluated, models.SubmissionStatusFinalized:
		return GradingStateGraded
	default:
		return ""
	}
}

// NewSubmissionResponse converts an EvaluationSubmission model into a DTO.
func NewSubmissionResponse(model models.EvaluationSubmission) SubmissionResponse {
	return SubmissionResponse{
		ID:               model.ID,
		EvaluationID:     model.EvaluationID,
		StudentID:        model.StudentID,
		Status:           string(model.Status),
		GradingState:     GradingState(model),
		GradingError:     model.GradingError,
		IsAbsent:         model.IsAbsent,
		ScriptRef:        model.ScriptRef,
		AiResult:         model.AiResult,
		TotalMarkAwarded: model.TotalMarkAwarded,
		FinalizedAt:      model.FinalizedAt,
		FinalizedBy:      model.FinalizedBy,
		Version:          model.Version,
		UpdatedAt:        model.UpdatedAt,
	}
}

// NewSubmissionStatsResponse builds the stats payload from an aggregated summary.
func NewSubmissionStatsResponse(model models.EvaluationSubmission, stats grading.Stats) SubmissionStatsResponse {
	return SubmissionStatsResponse{
		SubmissionID:          model.ID,
		Version:               model.Version,
		TotalMarkAwarded:      stats.TotalMarkAwarded,
		TotalMarks:            stats.TotalMarks,
		Percentage:            stats.Percentage,
		QuestionCount:         stats.QuestionCount,
		InterventionsRequired: stats.InterventionsRequired,
		CO:                    stats.Outcomes[grading.OutcomeCO],
		PO:                    stats.Outcomes[grading.OutcomePO],
		PSO:                   stats.Outcomes[grading.OutcomePSO],
	}
}
