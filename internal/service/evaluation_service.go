package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// EvaluationService exposes grading batch use cases.
type EvaluationService interface {
	Create(ctx context.Context, req dto.EvaluationCreateRequest, createdBy uint) (dto.EvaluationResponse, error)
	List(ctx context.Context, filter dto.EvaluationFilter) (dto.EvaluationListResponse, error)
	Get(ctx context.Context, id uint) (dto.EvaluationResponse, error)
	Delete(ctx context.Context, id uint) error
	Start(ctx context.Context, id uint) (dto.BatchStartResponse, error)
}

type evaluationService struct {
	repo         repository.EvaluationRepository
	orchestrator Orchestrator
	validate     *validator.Validate
	sanitizer    *bluemonday.Policy
	logger       zerolog.Logger
	now          func() time.Time
}

// NewEvaluationService builds the evaluation service.
func NewEvaluationService(repo repository.EvaluationRepository, orchestrator Orchestrator, validate *validator.Validate, logger zerolog.Logger) EvaluationService {
	return &evaluationService{
		repo:         repo,
		orchestrator: orchestrator,
		validate:     validate,
		sanitizer:    bluemonday.StrictPolicy(),
		logger:       logger.With().Str("component", "evaluation_service").Logger(),
		now:          time.Now,
	}
}

// Create opens a pending evaluation with one submitted entry per student.
// Repeated student ids collapse into a single submission.
func (s *evaluationService) Create(ctx context.Context, req dto.EvaluationCreateRequest, createdBy uint) (dto.EvaluationResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return dto.EvaluationResponse{}, err
	}

	totalMarks := req.TotalMarks
	if totalMarks <= 0 {
		totalMarks = models.DefaultTotalMarks
	}

	evaluation := models.Evaluation{
		Name:             strings.TrimSpace(s.sanitizer.Sanitize(req.Name)),
		ClassID:          req.ClassID,
		SectionID:        req.SectionID,
		SubjectID:        req.SubjectID,
		CreatedBy:        createdBy,
		TotalMarks:       totalMarks,
		QuestionPaperRef: strings.TrimSpace(req.QuestionPaperRef),
		AnswerKeyRef:     strings.TrimSpace(req.AnswerKeyRef),
		Status:           models.EvaluationStatusPending,
	}

	seen := make(map[uint]struct{}, len(req.StudentIDs))
	for _, studentID := range req.StudentIDs {
		if _, ok := seen[studentID]; ok {
			continue
		}
		seen[studentID] = struct{}{}
		evaluation.Submissions = append(evaluation.Submissions, models.EvaluationSubmission{
			StudentID: studentID,
			Status:    grading.InitialStatus,
			Version:   1,
		})
	}

	if err := s.repo.Create(ctx, &evaluation); err != nil {
		return dto.EvaluationResponse{}, err
	}

	s.logger.Info().
		Uint("evaluation_id", evaluation.ID).
		Int("students", len(evaluation.Submissions)).
		Uint("created_by", createdBy).
		Msg("evaluation created")

	progress := dto.ProgressCounts{Total: int64(len(evaluation.Submissions)), Submitted: int64(len(evaluation.Submissions))}
	return dto.NewEvaluationResponse(evaluation, progress), nil
}

func (s *evaluationService) List(ctx context.Context, filter dto.EvaluationFilter) (dto.EvaluationListResponse, error) {
	if err := s.validate.Struct(filter); err != nil {
		return dto.EvaluationListResponse{}, err
	}

	query := repository.EvaluationFilter{
		ClassID:   filter.ClassID,
		SectionID: filter.SectionID,
		SubjectID: filter.SubjectID,
		Page:      filter.Page,
		PageSize:  filter.PageSize,
	}
	if filter.Status != "" {
		status := models.EvaluationStatus(filter.Status)
		query.Status = &status
	}
	if query.Page <= 0 {
		query.Page = 1
	}
	if query.PageSize <= 0 {
		query.PageSize = 20
	}

	evaluations, total, err := s.repo.List(ctx, query)
	if err != nil {
		return dto.EvaluationListResponse{}, err
	}

	items := make([]dto.EvaluationResponse, 0, len(evaluations))
	for _, evaluation := range evaluations {
		counts, err := s.repo.SubmissionCounts(ctx, evaluation.ID)
		if err != nil {
			return dto.EvaluationListResponse{}, err
		}
		items = append(items, dto.NewEvaluationResponse(evaluation, dto.NewProgressCounts(counts)))
	}

	return dto.EvaluationListResponse{
		Items: items,
		Pagination: dto.PaginationMeta{
			Page:       query.Page,
			PageSize:   query.PageSize,
			TotalItems: total,
		},
	}, nil
}

func (s *evaluationService) Get(ctx context.Context, id uint) (dto.EvaluationResponse, error) {
	evaluation, err := s.repo.GetWithSubmissions(ctx, id)
	if err != nil {
		return dto.EvaluationResponse{}, mapStoreError(err)
	}

	counts, err := s.repo.SubmissionCounts(ctx, id)
	if err != nil {
		return dto.EvaluationResponse{}, err
	}

	return dto.NewEvaluationResponse(evaluation, dto.NewProgressCounts(counts)), nil
}

// Delete removes the evaluation and drops its queued grading work. Workers
// already holding a job discard it once they notice the rows are gone.
func (s *evaluationService) Delete(ctx context.Context, id uint) error {
	submissionIDs, err := s.repo.Delete(ctx, id)
	if err != nil {
		return mapStoreError(err)
	}

	if err := s.orchestrator.CancelSubmissions(ctx, "evaluation deleted", submissionIDs...); err != nil {
		s.logger.Warn().Err(err).Uint("evaluation_id", id).Msg("failed to drop queued grading jobs")
	}

	s.logger.Info().Uint("evaluation_id", id).Int("submissions", len(submissionIDs)).Msg("evaluation deleted")
	return nil
}

func (s *evaluationService) Start(ctx context.Context, id uint) (dto.BatchStartResponse, error) {
	return s.orchestrator.EnqueueBatch(ctx, id)
}
