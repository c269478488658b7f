package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

// JobOutcome captures the terminal result of a grading job.
type JobOutcome struct {
	Status    models.GradingJobStatus
	Attempts  int
	LastError string
	Provider  string
	Model     string
	Usage     datatypes.JSONMap
	At        time.Time
}

// GradingJobRepository persists the one-row-per-submission job ledger.
type GradingJobRepository interface {
	CreateIfAbsent(ctx context.Context, job *models.GradingJob) (bool, error)
	GetBySubmission(ctx context.Context, submissionID uint) (models.GradingJob, error)
	ListByEvaluation(ctx context.Context, evaluationID uint) ([]models.GradingJob, error)
	ListOutstanding(ctx context.Context) ([]models.GradingJob, error)
	MarkRunning(ctx context.Context, submissionID uint, attempt int, at time.Time) error
	Finish(ctx context.Context, submissionID uint, outcome JobOutcome) error
	Requeue(ctx context.Context, submissionID uint, at time.Time) (bool, error)
	Discard(ctx context.Context, submissionID uint, reason string, at time.Time) error
}

type gradingJobRepository struct {
	db *gorm.DB
}

// NewGradingJobRepository instantiates the repository.
func NewGradingJobRepository(db *gorm.DB) GradingJobRepository {
	return &gradingJobRepository{db: db}
}

// createJobSQL inserts the job only while its submission row exists, so a
// delete racing the insert cannot leave an orphaned job behind.
const createJobSQL = `INSERT INTO grading_jobs (submission_id, evaluation_id, status, attempts, created_at, updated_at)
SELECT ?, ?, ?, 0, ?, ?
WHERE EXISTS (SELECT 1 FROM evaluation_submissions WHERE id = ?)
ON CONFLICT (submission_id) DO NOTHING`

// CreateIfAbsent inserts the job unless its submission already has one. It
// returns gorm.ErrRecordNotFound when the submission no longer exists.
func (r *gradingJobRepository) CreateIfAbsent(ctx context.Context, job *models.GradingJob) (bool, error) {
	if job.Status == "" {
		job.Status = models.GradingJobStatusQueued
	}
	now := time.Now().UTC()

	db := r.db.WithContext(ctx)
	result := db.Exec(createJobSQL, job.SubmissionID, job.EvaluationID, job.Status, now, now, job.SubmissionID)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	var submissions int64
	if err := db.Model(&models.EvaluationSubmission{}).Where("id = ?", job.SubmissionID).Count(&submissions).Error; err != nil {
		return false, err
	}
	if submissions == 0 {
		return false, gorm.ErrRecordNotFound
	}
	return false, nil
}

func (r *gradingJobRepository) GetBySubmission(ctx context.Context, submissionID uint) (models.GradingJob, error) {
	var job models.GradingJob
	if err := r.db.WithContext(ctx).Where("submission_id = ?", submissionID).First(&job).Error; err != nil {
		return models.GradingJob{}, err
	}
	return job, nil
}

func (r *gradingJobRepository) ListByEvaluation(ctx context.Context, evaluationID uint) ([]models.GradingJob, error) {
	var jobs []models.GradingJob
	if err := r.db.WithContext(ctx).
		Where("evaluation_id = ?", evaluationID).
		Order("submission_id ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ListOutstanding returns every job a worker has not brought to a terminal state.
func (r *gradingJobRepository) ListOutstanding(ctx context.Context) ([]models.GradingJob, error) {
	var jobs []models.GradingJob
	if err := r.db.WithContext(ctx).
		Where("status IN ?", []string{string(models.GradingJobStatusQueued), string(models.GradingJobStatusRunning)}).
		Order("id ASC").
		Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *gradingJobRepository) MarkRunning(ctx context.Context, submissionID uint, attempt int, at time.Time) error {
	db := r.db.WithContext(ctx)
	result := db.Model(&models.GradingJob{}).
		Where("submission_id = ?", submissionID).
		Updates(map[string]interface{}{
			"status":     string(models.GradingJobStatusRunning),
			"attempts":   attempt,
			"updated_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	return db.Model(&models.GradingJob{}).
		Where("submission_id = ? AND started_at IS NULL", submissionID).
		Update("started_at", at).Error
}

func (r *gradingJobRepository) Finish(ctx context.Context, submissionID uint, outcome JobOutcome) error {
	updates := map[string]interface{}{
		"status":      string(outcome.Status),
		"last_error":  outcome.LastError,
		"finished_at": outcome.At,
		"updated_at":  outcome.At,
	}
	if outcome.Attempts > 0 {
		updates["attempts"] = outcome.Attempts
	}
	if outcome.Provider != "" {
		updates["provider"] = outcome.Provider
	}
	if outcome.Model != "" {
		updates["model"] = outcome.Model
	}
	if outcome.Usage != nil {
		updates["usage"] = outcome.Usage
	}

	result := r.db.WithContext(ctx).Model(&models.GradingJob{}).
		Where("submission_id = ?", submissionID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Requeue resets a failed or discarded job so it can run again.
func (r *gradingJobRepository) Requeue(ctx context.Context, submissionID uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.GradingJob{}).
		Where("submission_id = ? AND status IN ?", submissionID, []string{string(models.GradingJobStatusFailed), string(models.GradingJobStatusDiscarded)}).
		Updates(map[string]interface{}{
			"status":      string(models.GradingJobStatusQueued),
			"attempts":    0,
			"last_error":  "",
			"started_at":  nil,
			"finished_at": nil,
			"updated_at":  at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Discard closes an outstanding job whose submission no longer needs grading.
func (r *gradingJobRepository) Discard(ctx context.Context, submissionID uint, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.GradingJob{}).
		Where("submission_id = ? AND status IN ?", submissionID, []string{string(models.GradingJobStatusQueued), string(models.GradingJobStatusRunning)}).
		Updates(map[string]interface{}{
			"status":      string(models.GradingJobStatusDiscarded),
			"last_error":  reason,
			"finished_at": at,
			"updated_at":  at,
		}).Error
}
