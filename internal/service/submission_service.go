package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// SubmissionServiceConfig bounds script uploads and stats caching.
type SubmissionServiceConfig struct {
	MaxScriptSizeMB int
	StatsCacheTTL   time.Duration
}

// SubmissionService applies reviewer and upload actions to evaluation submissions.
type SubmissionService interface {
	Get(ctx context.Context, id uint) (dto.SubmissionResponse, error)
	UploadScript(ctx context.Context, id uint, file *multipart.FileHeader) (dto.SubmissionResponse, error)
	MarkAbsent(ctx context.Context, id uint) (dto.SubmissionResponse, error)
	UnmarkAbsent(ctx context.Context, id uint) (dto.SubmissionResponse, error)
	ApplyManualEdit(ctx context.Context, id uint, req dto.ManualEditRequest) (dto.SubmissionResponse, error)
	ManualGrade(ctx context.Context, id uint, req dto.ManualGradeRequest) (dto.SubmissionResponse, error)
	Finalize(ctx context.Context, id uint, req dto.FinalizeRequest, reviewerID *uint) (dto.SubmissionResponse, error)
	Retry(ctx context.Context, id uint) (dto.SubmissionResponse, error)
	GetAggregatedStats(ctx context.Context, id uint) (dto.SubmissionStatsResponse, error)
}

type submissionService struct {
	evaluations  repository.EvaluationRepository
	submissions  repository.EvaluationSubmissionRepository
	orchestrator Orchestrator
	storage      FileStorage
	cache        *redis.Client
	cacheTTL     time.Duration
	maxSize      int64
	validate     *validator.Validate
	progress     ProgressPublisher
	writer       submissionWriter
	sanitizer    *bluemonday.Policy
	logger       zerolog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// NewSubmissionService constructs the submission service. Cache and progress are optional.
func NewSubmissionService(
	evaluations repository.EvaluationRepository,
	submissions repository.EvaluationSubmissionRepository,
	orchestrator Orchestrator,
	storage FileStorage,
	cache *redis.Client,
	progress ProgressPublisher,
	validate *validator.Validate,
	cfg SubmissionServiceConfig,
	logger zerolog.Logger,
) SubmissionService {
	if cfg.MaxScriptSizeMB <= 0 {
		cfg.MaxScriptSizeMB = 25
	}
	if cfg.StatsCacheTTL <= 0 {
		cfg.StatsCacheTTL = 10 * time.Minute
	}
	if progress == nil {
		progress = noopProgress{}
	}

	return &submissionService{
		evaluations:  evaluations,
		submissions:  submissions,
		orchestrator: orchestrator,
		storage:      storage,
		cache:        cache,
		cacheTTL:     cfg.StatsCacheTTL,
		maxSize:      int64(cfg.MaxScriptSizeMB) * 1024 * 1024,
		validate:     validate,
		progress:     progress,
		writer:       newSubmissionWriter(submissions, evaluations),
		sanitizer:    bluemonday.StrictPolicy(),
		logger:       logger.With().Str("component", "submission_service").Logger(),
		tracer:       otel.Tracer("github.com/noah-isme/gema-grader/internal/service/submission"),
		now:          time.Now,
	}
}

func (s *submissionService) Get(ctx context.Context, id uint) (dto.SubmissionResponse, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, mapStoreError(err)
	}
	return dto.NewSubmissionResponse(submission), nil
}

func (s *submissionService) UploadScript(ctx context.Context, id uint, file *multipart.FileHeader) (dto.SubmissionResponse, error) {
	ctx, span := s.tracer.Start(ctx, "submission.upload_script", trace.WithAttributes(
		attribute.Int64("submission.id", int64(id)),
	))
	defer span.End()

	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, mapStoreError(err)
	}
	evaluation, err := s.evaluations.GetByID(ctx, submission.EvaluationID)
	if err != nil {
		return dto.SubmissionResponse{}, mapStoreError(err)
	}

	// reject before touching storage when the transition cannot succeed
	probe := submission
	if err := grading.Upload(&probe, evaluation.Status, "pending"); err != nil {
		return dto.SubmissionResponse{}, err
	}

	script, err := readScript(file, s.maxSize)
	if err != nil {
		switch {
		case errors.Is(err, ErrScriptTooLarge):
			observability.ScriptUploads().WithLabelValues("too_large").Inc()
		case errors.Is(err, ErrScriptType):
			observability.ScriptUploads().WithLabelValues("bad_type").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "script rejected")
		return dto.SubmissionResponse{}, err
	}

	ref, err := s.storage.Upload(ctx, scriptObjectName(evaluation.ID, submission.StudentID, script.checksum), script.reader())
	if err != nil {
		observability.ScriptUploads().WithLabelValues("storage_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failed")
		return dto.SubmissionResponse{}, fmt.Errorf("store script: %w", err)
	}
	observability.ScriptUploads().WithLabelValues("stored").Inc()

	updated, parent, err := s.writer.apply(ctx, id, nil, func(sub *models.EvaluationSubmission, batch models.Evaluation) error {
		return grading.Upload(sub, batch.Status, ref)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upload transition failed")
		return dto.SubmissionResponse{}, err
	}

	if parent.Status == models.EvaluationStatusInProgress {
		if _, err := s.orchestrator.EnqueueSubmission(ctx, updated); err != nil {
			s.logger.Error().Err(err).Uint("submission_id", id).Msg("failed to enqueue uploaded script")
			return dto.SubmissionResponse{}, err
		}
	}

	s.logger.Info().
		Uint("submission_id", id).
		Str("checksum", script.checksum).
		Int("size_bytes", len(script.payload)).
		Msg("script uploaded")
	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) MarkAbsent(ctx context.Context, id uint) (dto.SubmissionResponse, error) {
	updated, parent, err := s.writer.apply(ctx, id, nil, func(sub *models.EvaluationSubmission, batch models.Evaluation) error {
		return grading.MarkAbsent(sub, batch.Status)
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	if parent.Status == models.EvaluationStatusInProgress {
		if err := s.orchestrator.CancelSubmissions(ctx, "student marked absent", id); err != nil {
			s.logger.Warn().Err(err).Uint("submission_id", id).Msg("failed to cancel grading job")
		}
		if _, err := s.orchestrator.CheckCompletion(ctx, parent.ID); err != nil {
			s.logger.Warn().Err(err).Uint("evaluation_id", parent.ID).Msg("completion check failed")
		}
	}

	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) UnmarkAbsent(ctx context.Context, id uint) (dto.SubmissionResponse, error) {
	updated, _, err := s.writer.apply(ctx, id, nil, func(sub *models.EvaluationSubmission, batch models.Evaluation) error {
		return grading.UnmarkAbsent(sub, batch.Status)
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

// ApplyManualEdit applies every edit or none of them.
func (s *submissionService) ApplyManualEdit(ctx context.Context, id uint, req dto.ManualEditRequest) (dto.SubmissionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return dto.SubmissionResponse{}, err
	}

	updated, _, err := s.writer.apply(ctx, id, req.Version, func(sub *models.EvaluationSubmission, _ models.Evaluation) error {
		for i, edit := range req.Edits {
			if err := s.applyEdit(sub, edit); err != nil {
				return fmt.Errorf("edit %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	for _, edit := range req.Edits {
		observability.ManualEdits().WithLabelValues(edit.Op).Inc()
	}
	s.logger.Info().Uint("submission_id", id).Int("edits", len(req.Edits)).Uint("version", updated.Version).Msg("manual edits applied")
	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) applyEdit(sub *models.EvaluationSubmission, edit dto.ManualEdit) error {
	switch edit.Op {
	case dto.EditTogglePoint:
		if edit.PointIndex == nil || edit.Credited == nil {
			return fmt.Errorf("toggle_point needs point_index and credited: %w", ErrInvalidEdit)
		}
		return grading.EditMarkingPoint(sub, edit.QuestionIndex, *edit.PointIndex, *edit.Credited)
	case dto.EditSetMarks:
		if edit.Marks == nil {
			return fmt.Errorf("set_marks needs marks: %w", ErrInvalidEdit)
		}
		return grading.SetQuestionMarks(sub, edit.QuestionIndex, *edit.Marks)
	case dto.EditSetFeedback:
		if edit.Feedback == nil {
			return fmt.Errorf("set_feedback needs feedback: %w", ErrInvalidEdit)
		}
		return grading.SetQuestionFeedback(sub, edit.QuestionIndex, s.sanitizer.Sanitize(*edit.Feedback))
	default:
		return fmt.Errorf("unknown op %q: %w", edit.Op, ErrInvalidEdit)
	}
}

// ManualGrade attaches a reviewer-authored result to an uploaded script,
// passing it through the same trust boundary as oracle output.
func (s *submissionService) ManualGrade(ctx context.Context, id uint, req dto.ManualGradeRequest) (dto.SubmissionResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return dto.SubmissionResponse{}, err
	}

	updated, parent, err := s.writer.apply(ctx, id, req.Version, func(sub *models.EvaluationSubmission, batch models.Evaluation) error {
		result, err := grading.ParseOracleResult(req.Result, batch.TotalMarks).Unwrap()
		if err != nil {
			return err
		}
		sanitizeResult(s.sanitizer, &result)
		return grading.GradeSucceeded(sub, result)
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	if err := s.orchestrator.CancelSubmissions(ctx, "graded manually", id); err != nil {
		s.logger.Warn().Err(err).Uint("submission_id", id).Msg("failed to cancel grading job")
	}
	if _, err := s.orchestrator.CheckCompletion(ctx, parent.ID); err != nil {
		s.logger.Warn().Err(err).Uint("evaluation_id", parent.ID).Msg("completion check failed")
	}

	observability.ManualEdits().WithLabelValues("manual_grade").Inc()
	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) Finalize(ctx context.Context, id uint, req dto.FinalizeRequest, reviewerID *uint) (dto.SubmissionResponse, error) {
	updated, _, err := s.writer.apply(ctx, id, req.Version, func(sub *models.EvaluationSubmission, _ models.Evaluation) error {
		return grading.Finalize(sub, reviewerID, s.now().UTC())
	})
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	observability.ManualEdits().WithLabelValues("finalize").Inc()
	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

func (s *submissionService) Retry(ctx context.Context, id uint) (dto.SubmissionResponse, error) {
	updated, err := s.orchestrator.RetrySubmission(ctx, id)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.publishChange(ctx, updated)
	return dto.NewSubmissionResponse(updated), nil
}

// GetAggregatedStats recomputes the rollups from the stored result. Cached
// entries are keyed by version, so any write invalidates them.
func (s *submissionService) GetAggregatedStats(ctx context.Context, id uint) (dto.SubmissionStatsResponse, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		return dto.SubmissionStatsResponse{}, mapStoreError(err)
	}
	if submission.AiResult == nil {
		return dto.SubmissionStatsResponse{}, fmt.Errorf("submission %d has no grading result: %w", id, ErrNotReady)
	}

	cacheKey := fmt.Sprintf("stats:submission:%d:v%d", submission.ID, submission.Version)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.SubmissionStatsResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				observability.StatsCacheLookups().WithLabelValues("hit").Inc()
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read stats cache")
		}
		observability.StatsCacheLookups().WithLabelValues("miss").Inc()
	}

	result := submission.AiResult.Clone()
	grading.Recompute(&result)
	response := dto.NewSubmissionStatsResponse(submission, grading.Summarize(result))

	if s.cache != nil {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store stats cache")
			}
		}
	}

	return response, nil
}

func (s *submissionService) publishChange(ctx context.Context, submission models.EvaluationSubmission) {
	s.progress.Publish(ctx, dto.ProgressEvent{
		Type:         dto.EventSubmissionChange,
		EvaluationID: submission.EvaluationID,
		SubmissionID: submission.ID,
		Status:       string(submission.Status),
		At:           s.now().UTC(),
	})
}
