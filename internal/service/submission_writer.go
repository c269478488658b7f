package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

const defaultWriteRetries = 5

// errSkipWrite lets a mutation abort without persisting and without failing.
var errSkipWrite = errors.New("skip write")

// submissionMutation mutates the freshly loaded submission in place.
type submissionMutation func(sub *models.EvaluationSubmission, evaluation models.Evaluation) error

// submissionWriter serialises writes to a submission through its version
// column. Every attempt reloads the latest row before applying the mutation.
type submissionWriter struct {
	submissions repository.EvaluationSubmissionRepository
	evaluations repository.EvaluationRepository
	retries     int
}

func newSubmissionWriter(submissions repository.EvaluationSubmissionRepository, evaluations repository.EvaluationRepository) submissionWriter {
	return submissionWriter{submissions: submissions, evaluations: evaluations, retries: defaultWriteRetries}
}

// apply loads, mutates and saves the submission. With an expected version the
// caller's view must be current and a concurrent write is reported as
// ErrConflict instead of being retried.
func (w submissionWriter) apply(ctx context.Context, id uint, expected *uint, mutate submissionMutation) (models.EvaluationSubmission, models.Evaluation, error) {
	for attempt := 0; ; attempt++ {
		sub, err := w.submissions.GetByID(ctx, id)
		if err != nil {
			return models.EvaluationSubmission{}, models.Evaluation{}, mapStoreError(err)
		}
		evaluation, err := w.evaluations.GetByID(ctx, sub.EvaluationID)
		if err != nil {
			return models.EvaluationSubmission{}, models.Evaluation{}, mapStoreError(err)
		}

		if expected != nil && *expected != sub.Version {
			observability.OptimisticConflicts().Inc()
			return sub, evaluation, fmt.Errorf("expected version %d, found %d: %w", *expected, sub.Version, ErrConflict)
		}

		if err := mutate(&sub, evaluation); err != nil {
			return sub, evaluation, err
		}
		if err := grading.CheckConsistency(sub); err != nil {
			return sub, evaluation, err
		}

		err = w.submissions.Update(ctx, &sub)
		if err == nil {
			return sub, evaluation, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return sub, evaluation, mapStoreError(err)
		}

		observability.OptimisticConflicts().Inc()
		if expected != nil || attempt+1 >= w.retries {
			return sub, evaluation, ErrConflict
		}
	}
}
