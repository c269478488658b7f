package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// EvaluationCreateRequest creates a grading batch for an enrolled roster.
type EvaluationCreateRequest struct {
	Name             string  `json:"name" validate:"required,min=3,max=255"`
	ClassID          uint    `json:"class_id" validate:"required,gt=0"`
	SectionID        uint    `json:"section_id" validate:"required,gt=0"`
	SubjectID        uint    `json:"subject_id" validate:"required,gt=0"`
	TotalMarks       float64 `json:"total_marks" validate:"omitempty,gt=0,lte=1000"`
	QuestionPaperRef string  `json:"question_paper_ref" validate:"required,url"`
	AnswerKeyRef     string  `json:"answer_key_ref" validate:"omitempty,url"`
	StudentIDs       []uint  `json:"student_ids" validate:"required,min=1,dive,gt=0"`
}

// EvaluationFilter describes query string filters for listing evaluations.
type EvaluationFilter struct {
	ClassID   *uint  `query:"class_id"`
	SectionID *uint  `query:"section_id"`
	SubjectID *uint  `query:"subject_id"`
	Status    string `query:"status" validate:"omitempty,oneof=pending in-progress completed"`
	Page      int    `query:"page" validate:"omitempty,gte=1"`
	PageSize  int    `query:"page_size" validate:"omitempty,gte=1,lte=100"`
}

// ProgressCounts summarises submission states within an evaluation.
type ProgressCounts struct {
	Total     int64 `json:"total"`
	Submitted int64 `json:"submitted"`
	Uploaded  int64 `json:"uploaded"`
	Absent    int64 `json:"absent"`
	Evaluated int64 `json:"evaluated"`
	Finalized int64 `json:"finalized"`
	Failed    int64 `json:"failed"`
	Ready     bool  `json:"ready"`
}

// EvaluationResponse is returned to API clients when viewing evaluations.
type EvaluationResponse struct {
	ID               uint                 `json:"id"`
	Name             string               `json:"name"`
	ClassID          uint                 `json:"class_id"`
	SectionID        uint                 `json:"section_id"`
	SubjectID        uint                 `json:"subject_id"`
	CreatedBy        uint                 `json:"created_by"`
	TotalMarks       float64              `json:"total_marks"`
	QuestionPaperRef string               `json:"question_paper_ref"`
	AnswerKeyRef     string               `json:"answer_key_ref,omitempty"`
	Status           string               `json:"status"`
	StartedAt        *time.Time           `json:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at"`
	Progress         ProgressCounts       `json:"progress"`
	Submissions      []SubmissionResponse `json:"submissions,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// PaginationMeta describes a page of results.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
}

// EvaluationListResponse wraps a page of evaluations.
type EvaluationListResponse struct {
	Items      []EvaluationResponse `json:"items"`
	Pagination PaginationMeta       `json:"pagination"`
}

// BatchStartResponse reports the outcome of starting (or re-starting) a batch.
type BatchStartResponse struct {
	EvaluationID uint   `json:"evaluation_id"`
	Status       string `json:"status"`
	Enqueued     int    `json:"enqueued"`
	Outstanding  int    `json:"outstanding"`
}

// NewProgressCounts converts repository counts into the API shape.
func NewProgressCounts(counts repository.SubmissionCounts) ProgressCounts {
	progress := ProgressCounts{
		Total:     counts.Total,
		Submitted: counts.ByStatus[models.SubmissionStatusSubmitted] + counts.ByStatus[models.SubmissionStatusPending],
		Uploaded:  counts.ByStatus[models.SubmissionStatusUploaded],
		Absent:    counts.ByStatus[models.SubmissionStatusAbsent],
		Evaluated: counts.ByStatus[models.SubmissionStatusEvaluated],
		Finalized: counts.ByStatus[models.SubmissionStatusFinalized],
		Failed:    counts.Failed,
	}
	progress.Ready = progress.Total > 0 && progress.Uploaded+progress.Absent == progress.Total
	return progress
}

// NewEvaluationResponse converts an Evaluation model into a DTO.
func NewEvaluationResponse(model models.Evaluation, progress ProgressCounts) EvaluationResponse {
	response := EvaluationResponse{
		ID:               model.ID,
		Name:             model.Name,
		ClassID:          model.ClassID,
		SectionID:        model.SectionID,
		SubjectID:        model.SubjectID,
		CreatedBy:        model.CreatedBy,
		TotalMarks:       model.TotalMarks,
		QuestionPaperRef: model.QuestionPaperRef,
		AnswerKeyRef:     model.AnswerKeyRef,
		Status:           string(model.Status),
		StartedAt:        model.StartedAt,
		CompletedAt:      model.CompletedAt,
		Progress:         progress,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}

	if len(model.Submissions) > 0 {
		response.Submissions = make([]SubmissionResponse, 0, len(model.Submissions))
		for _, submission := range model.Submissions {
			response.Submissions = append(response.Submissions, NewSubmissionResponse(submission))
		}
	}

	return response
}
