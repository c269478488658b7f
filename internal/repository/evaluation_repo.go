package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// EvaluationFilter narrows evaluation listings.
type EvaluationFilter struct {
	ClassID   *uint
	SectionID *uint
	SubjectID *uint
	Status    *models.EvaluationStatus
	Page      int
	PageSize  int
}

// SubmissionCounts summarises the submissions of one evaluation.
type SubmissionCounts struct {
	Total    int64
	ByStatus map[models.SubmissionStatus]int64
	Failed   int64
}

// EvaluationRepository defines persistence operations for grading batches.
type EvaluationRepository interface {
	Create(ctx context.Context, evaluation *models.Evaluation) error
	GetByID(ctx context.Context, id uint) (models.Evaluation, error)
	GetWithSubmissions(ctx context.Context, id uint) (models.Evaluation, error)
	List(ctx context.Context, filter EvaluationFilter) ([]models.Evaluation, int64, error)
	TransitionStatus(ctx context.Context, id uint, from, to models.EvaluationStatus, at time.Time) (bool, error)
	CompleteIfSettled(ctx context.Context, id uint, at time.Time) (bool, error)
	Delete(ctx context.Context, id uint) ([]uint, error)
	SubmissionCounts(ctx context.Context, id uint) (SubmissionCounts, error)
}

type evaluationRepository struct {
	db *gorm.DB
}

// NewEvaluationRepository instantiates the repository.
func NewEvaluationRepository(db *gorm.DB) EvaluationRepository {
	return &evaluationRepository{db: db}
}

// Create inserts the evaluation together with its roster of submissions in one transaction.
func (r *evaluationRepository) Create(ctx context.Context, evaluation *models.Evaluation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(evaluation).Error
	})
}

func (r *evaluationRepository) GetByID(ctx context.Context, id uint) (models.Evaluation, error) {
	var evaluation models.Evaluation
	if err := r.db.WithContext(ctx).First(&evaluation, id).Error; err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) GetWithSubmissions(ctx context.Context, id uint) (models.Evaluation, error) {
	var evaluation models.Evaluation
	err := r.db.WithContext(ctx).
		Preload("Submissions", func(db *gorm.DB) *gorm.DB {
			return db.Order("student_id ASC")
		}).
		First(&evaluation, id).Error
	if err != nil {
		return models.Evaluation{}, err
	}
	return evaluation, nil
}

func (r *evaluationRepository) List(ctx context.Context, filter EvaluationFilter) ([]models.Evaluation, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Evaluation{})

	if filter.ClassID != nil {
		query = query.Where("class_id = ?", *filter.ClassID)
	}
	if filter.SectionID != nil {
		query = query.Where("section_id = ?", *filter.SectionID)
	}
	if filter.SubjectID != nil {
		query = query.Where("subject_id = ?", *filter.SubjectID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", string(*filter.Status))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page <= 0 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	var evaluations []models.Evaluation
	if err := query.Order("created_at DESC").Order("id DESC").
		Limit(pageSize).Offset((page - 1) * pageSize).
		Find(&evaluations).Error; err != nil {
		return nil, 0, err
	}

	return evaluations, total, nil
}

// TransitionStatus moves the evaluation from one status to another only if it
// is still in the expected status. It reports whether this caller won.
func (r *evaluationRepository) TransitionStatus(ctx context.Context, id uint, from, to models.EvaluationStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": at,
	}
	switch to {
	case models.EvaluationStatusInProgress:
		updates["started_at"] = at
	case models.EvaluationStatusCompleted:
		updates["completed_at"] = at
	}

	result := r.db.WithContext(ctx).Model(&models.Evaluation{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CompleteIfSettled marks an in-progress evaluation completed in a single
// conditional statement when none of its submissions is still unsettled.
func (r *evaluationRepository) CompleteIfSettled(ctx context.Context, id uint, at time.Time) (bool, error) {
	db := r.db.WithContext(ctx)
	unsettled := db.Model(&models.EvaluationSubmission{}).
		Select("1").
		Where("evaluation_id = ?", id).
		Where("status NOT IN ?", settledStatuses())

	result := db.Model(&models.Evaluation{}).
		Where("id = ? AND status = ?", id, string(models.EvaluationStatusInProgress)).
		Where("NOT EXISTS (?)", unsettled).
		Updates(map[string]interface{}{
			"status":       string(models.EvaluationStatusCompleted),
			"completed_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Delete removes the evaluation, its submissions and grading jobs, returning
// the ids of the deleted submissions so queued work can be cancelled.
func (r *evaluationRepository) Delete(ctx context.Context, id uint) ([]uint, error) {
	var submissionIDs []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.EvaluationSubmission{}).
			Where("evaluation_id = ?", id).
			Pluck("id", &submissionIDs).Error; err != nil {
			return err
		}

		if err := tx.Where("evaluation_id = ?", id).Delete(&models.GradingJob{}).Error; err != nil {
			return err
		}
		if err := tx.Where("evaluation_id = ?", id).Delete(&models.EvaluationSubmission{}).Error; err != nil {
			return err
		}

		result := tx.Delete(&models.Evaluation{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return submissionIDs, nil
}

func (r *evaluationRepository) SubmissionCounts(ctx context.Context, id uint) (SubmissionCounts, error) {
	type statusRow struct {
		Status string
		Total  int64
	}

	var rows []statusRow
	db := r.db.WithContext(ctx)
	if err := db.Model(&models.EvaluationSubmission{}).
		Select("status, COUNT(*) AS total").
		Where("evaluation_id = ?", id).
		Group("status").
		Scan(&rows).Error; err != nil {
		return SubmissionCounts{}, err
	}

	counts := SubmissionCounts{ByStatus: make(map[models.SubmissionStatus]int64, len(rows))}
	for _, row := range rows {
		counts.ByStatus[models.SubmissionStatus(row.Status)] = row.Total
		counts.Total += row.Total
	}

	if err := db.Model(&models.EvaluationSubmission{}).
		Where("evaluation_id = ? AND status = ? AND grading_failed_at IS NOT NULL", id, string(models.SubmissionStatusUploaded)).
		Count(&counts.Failed).Error; err != nil {
		return SubmissionCounts{}, err
	}

	return counts, nil
}

func settledStatuses() []string {
	statuses := make([]string, 0, len(models.SettledSubmissionStatuses))
	for _, status := range models.SettledSubmissionStatuses {
		statuses = append(statuses, string(status))
	}
	return statuses
}
