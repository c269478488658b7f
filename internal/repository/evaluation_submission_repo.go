package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrVersionConflict is returned when a submission changed since it was read.
var ErrVersionConflict = errors.New("submission version conflict")

// submissionMutableColumns are rewritten on every optimistic update.
var submissionMutableColumns = []string{
	"status",
	"is_absent",
	"script_ref",
	"ai_result",
	"total_mark_awarded",
	"grading_error",
	"grading_failed_at",
	"finalized_at",
	"finalized_by",
	"version",
	"updated_at",
}

// EvaluationSubmissionRepository defines persistence operations for submissions.
type EvaluationSubmissionRepository interface {
	GetByID(ctx context.Context, id uint) (models.EvaluationSubmission, error)
	ListByEvaluation(ctx context.Context, evaluationID uint, status *models.SubmissionStatus) ([]models.EvaluationSubmission, error)
	Update(ctx context.Context, submission *models.EvaluationSubmission) error
}

type evaluationSubmissionRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewEvaluationSubmissionRepository instantiates the repository.
func NewEvaluationSubmissionRepository(db *gorm.DB) EvaluationSubmissionRepository {
	return &evaluationSubmissionRepository{db: db, now: time.Now}
}

func (r *evaluationSubmissionRepository) GetByID(ctx context.Context, id uint) (models.EvaluationSubmission, error) {
	var submission models.EvaluationSubmission
	if err := r.db.WithContext(ctx).First(&submission, id).Error; err != nil {
		return models.EvaluationSubmission{}, err
	}
	return submission, nil
}

func (r *evaluationSubmissionRepository) ListByEvaluation(ctx context.Context, evaluationID uint, status *models.SubmissionStatus) ([]models.EvaluationSubmission, error) {
	query := r.db.WithContext(ctx).Where("evaluation_id = ?", evaluationID)
	if status != nil {
		query = query.Where("status = ?", string(*status))
	}

	var submissions []models.EvaluationSubmission
	if err := query.Order("student_id ASC").Find(&submissions).Error; err != nil {
		return nil, err
	}
	return submissions, nil
}

// Update writes the submission only if its version is unchanged in the store,
// then advances the in-memory version.
func (r *evaluationSubmissionRepository) Update(ctx context.Context, submission *models.EvaluationSubmission) error {
	expected := submission.Version
	next := *submission
	next.Version = expected + 1
	next.UpdatedAt = r.now()

	db := r.db.WithContext(ctx)
	result := db.Model(&models.EvaluationSubmission{}).
		Where("id = ? AND version = ?", submission.ID, expected).
		Select(submissionMutableColumns).
		Updates(&next)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := db.Model(&models.EvaluationSubmission{}).Where("id = ?", submission.ID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return gorm.ErrRecordNotFound
		}
		return ErrVersionConflict
	}

	submission.Version = next.Version
	submission.UpdatedAt = next.UpdatedAt
	return nil
}
