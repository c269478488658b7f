package service

import (
	"context"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
)

func newTestEvaluationService(stores gradingStores) (EvaluationService, *orchestrator) {
	orch, _ := newTestOrchestrator(stores, succeedingGrader(), nil, OrchestratorConfig{})
	svc := NewEvaluationService(stores.evaluations, orch, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())
	return svc, orch
}

func TestEvaluationServiceCreateBuildsRoster(t *testing.T) {
	stores := setupGradingStores(t)
	svc, _ := newTestEvaluationService(stores)

	resp, err := svc.Create(context.Background(), dto.EvaluationCreateRequest{
		Name:             "<b>Unit</b> test 1",
		ClassID:          4,
		SectionID:        5,
		SubjectID:        6,
		QuestionPaperRef: "https://files.test/paper.pdf",
		StudentIDs:       []uint{11, 12, 11, 13},
	}, 9)
	require.NoError(t, err)
	require.Equal(t, "Unit test 1", resp.Name)
	require.Equal(t, float64(models.DefaultTotalMarks), resp.TotalMarks)
	require.Equal(t, string(models.EvaluationStatusPending), resp.Status)
	require.Equal(t, uint(9), resp.CreatedBy)
	require.Len(t, resp.Submissions, 3)
	require.Equal(t, int64(3), resp.Progress.Total)
	require.False(t, resp.Progress.Ready)

	for _, submission := range resp.Submissions {
		require.Equal(t, string(models.SubmissionStatusSubmitted), submission.Status)
		require.Equal(t, uint(1), submission.Version)
	}
}

func TestEvaluationServiceCreateValidates(t *testing.T) {
	stores := setupGradingStores(t)
	svc, _ := newTestEvaluationService(stores)

	_, err := svc.Create(context.Background(), dto.EvaluationCreateRequest{
		Name:             "Quiz",
		ClassID:          1,
		SectionID:        1,
		SubjectID:        1,
		QuestionPaperRef: "https://files.test/paper.pdf",
	}, 1)
	require.Error(t, err)

	var validationErrs validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrs)
}

func TestEvaluationServiceListAndGet(t *testing.T) {
	stores := setupGradingStores(t)
	svc, _ := newTestEvaluationService(stores)

	ready := seedGradingEvaluation(t, stores, models.SubmissionStatusUploaded, models.SubmissionStatusAbsent)
	seedGradingEvaluation(t, stores, models.SubmissionStatusSubmitted)

	_, err := svc.Start(context.Background(), ready.ID)
	require.NoError(t, err)

	list, err := svc.List(context.Background(), dto.EvaluationFilter{Status: string(models.EvaluationStatusInProgress)})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	require.Equal(t, int64(1), list.Pagination.TotalItems)
	require.Equal(t, 1, list.Pagination.Page)
	require.Equal(t, 20, list.Pagination.PageSize)
	require.Equal(t, ready.ID, list.Items[0].ID)
	require.Equal(t, int64(1), list.Items[0].Progress.Uploaded)
	require.Equal(t, int64(1), list.Items[0].Progress.Absent)

	_, err = svc.List(context.Background(), dto.EvaluationFilter{Status: "archived"})
	require.Error(t, err)

	detail, err := svc.Get(context.Background(), ready.ID)
	require.NoError(t, err)
	require.Len(t, detail.Submissions, 2)
	require.Equal(t, dto.GradingStatePending, detail.Submissions[0].GradingState)
	require.NotNil(t, detail.StartedAt)

	_, err = svc.Get(context.Background(), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluationServiceDeleteCancelsQueuedJobs(t *testing.T) {
	stores := setupGradingStores(t)
	orch, jobQueue := newTestOrchestrator(stores, succeedingGrader(), nil, OrchestratorConfig{})
	svc := NewEvaluationService(stores.evaluations, orch, validator.New(validator.WithRequiredStructEnabled()), zerolog.Nop())

	evaluation := seedGradingEvaluation(t, stores, models.SubmissionStatusUploaded, models.SubmissionStatusUploaded)
	started, err := svc.Start(context.Background(), evaluation.ID)
	require.NoError(t, err)
	require.Equal(t, 2, started.Enqueued)

	require.NoError(t, svc.Delete(context.Background(), evaluation.ID))

	depth, err := jobQueue.Len(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth)

	_, err = svc.Get(context.Background(), evaluation.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, svc.Delete(context.Background(), evaluation.ID), ErrNotFound)
}
