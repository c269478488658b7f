package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/grading"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/queue"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/ai"
)

var (
	// errStoreUnavailable marks a store read failure before the oracle is called.
	errStoreUnavailable = errors.New("store unavailable")
	// errGradeNotStored marks a grade the oracle returned that could not be saved.
	errGradeNotStored = errors.New("grade could not be stored")
)

// OrchestratorConfig tunes the worker pool and retry policy.
type OrchestratorConfig struct {
	Workers       int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	OracleTimeout time.Duration
	// Limiter bounds oracle calls across all workers of this process.
	Limiter *rate.Limiter
}

// Orchestrator fans evaluations out into grading jobs and drives them to a terminal outcome.
type Orchestrator interface {
	EnqueueBatch(ctx context.Context, evaluationID uint) (dto.BatchStartResponse, error)
	EnqueueSubmission(ctx context.Context, submission models.EvaluationSubmission) (bool, error)
	CancelSubmissions(ctx context.Context, reason string, submissionIDs ...uint) error
	ProcessJob(ctx context.Context, job queue.Job) (models.SubmissionStatus, error)
	Run(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
	RetrySubmission(ctx context.Context, submissionID uint) (models.EvaluationSubmission, error)
	CheckCompletion(ctx context.Context, evaluationID uint) (bool, error)
}

type orchestrator struct {
	evaluations repository.EvaluationRepository
	submissions repository.EvaluationSubmissionRepository
	jobs        repository.GradingJobRepository
	queue       queue.Queue
	grader      ai.Grader
	progress    ProgressPublisher
	writer      submissionWriter
	cfg         OrchestratorConfig
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type attemptResult struct {
	status   models.SubmissionStatus
	provider string
	model    string
	usage    map[string]interface{}
}

type noopProgress struct{}

func (noopProgress) Publish(context.Context, dto.ProgressEvent) {}

// NewOrchestrator wires the orchestrator. A nil progress publisher drops events.
func NewOrchestrator(
	evaluations repository.EvaluationRepository,
	submissions repository.EvaluationSubmissionRepository,
	jobs repository.GradingJobRepository,
	jobQueue queue.Queue,
	grader ai.Grader,
	progress ProgressPublisher,
	cfg OrchestratorConfig,
	logger zerolog.Logger,
) Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 2 * time.Minute
	}
	if progress == nil {
		progress = noopProgress{}
	}

	return &orchestrator{
		evaluations: evaluations,
		submissions: submissions,
		jobs:        jobs,
		queue:       jobQueue,
		grader:      grader,
		progress:    progress,
		writer:      newSubmissionWriter(submissions, evaluations),
		cfg:         cfg,
		sanitizer:   bluemonday.StrictPolicy(),
		logger:      logger.With().Str("component", "grading_orchestrator").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/orchestrator"),
		now:         time.Now,
		sleep:       sleepContext,
	}
}

// EnqueueBatch starts a ready evaluation, or tops up the jobs of one already
// in progress. Completed evaluations are left untouched.
func (o *orchestrator) EnqueueBatch(ctx context.Context, evaluationID uint) (dto.BatchStartResponse, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.enqueue_batch", trace.WithAttributes(
		attribute.Int64("evaluation.id", int64(evaluationID)),
	))
	defer span.End()

	evaluation, err := o.evaluations.GetByID(ctx, evaluationID)
	if err != nil {
		err = mapStoreError(err)
		o.fail(span, err)
		return dto.BatchStartResponse{}, err
	}

	response := dto.BatchStartResponse{EvaluationID: evaluationID, Status: string(evaluation.Status)}
	if evaluation.Status == models.EvaluationStatusCompleted {
		return response, nil
	}

	if evaluation.Status == models.EvaluationStatusPending {
		counts, err := o.evaluations.SubmissionCounts(ctx, evaluationID)
		if err != nil {
			o.fail(span, err)
			return response, err
		}

		progress := dto.NewProgressCounts(counts)
		if !progress.Ready {
			err := fmt.Errorf("%d of %d submissions uploaded or absent: %w", progress.Uploaded+progress.Absent, progress.Total, ErrNotReady)
			o.fail(span, err)
			return response, err
		}

		won, err := o.evaluations.TransitionStatus(ctx, evaluationID, models.EvaluationStatusPending, models.EvaluationStatusInProgress, o.now().UTC())
		if err != nil {
			o.fail(span, err)
			return response, err
		}

		if won {
			o.logger.Info().Uint("evaluation_id", evaluationID).Int64("submissions", progress.Total).Msg("evaluation started")
			o.progress.Publish(ctx, dto.ProgressEvent{Type: dto.EventBatchStarted, EvaluationID: evaluationID, Status: string(models.EvaluationStatusInProgress)})
		} else {
			evaluation, err = o.evaluations.GetByID(ctx, evaluationID)
			if err != nil {
				err = mapStoreError(err)
				o.fail(span, err)
				return response, err
			}
			if evaluation.Status == models.EvaluationStatusCompleted {
				response.Status = string(evaluation.Status)
				return response, nil
			}
		}
	}

	response.Status = string(models.EvaluationStatusInProgress)

	uploaded := models.SubmissionStatusUploaded
	submissions, err := o.submissions.ListByEvaluation(ctx, evaluationID, &uploaded)
	if err != nil {
		o.fail(span, err)
		return response, err
	}

	for _, submission := range submissions {
		if submission.GradingFailed() {
			continue
		}
		added, err := o.EnqueueSubmission(ctx, submission)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			o.fail(span, err)
			return response, err
		}
		response.Outstanding++
		if added {
			response.Enqueued++
		}
	}
	span.SetAttributes(attribute.Int("jobs.enqueued", response.Enqueued), attribute.Int("jobs.outstanding", response.Outstanding))

	completed, err := o.CheckCompletion(ctx, evaluationID)
	if err != nil {
		o.fail(span, err)
		return response, err
	}
	if completed {
		response.Status = string(models.EvaluationStatusCompleted)
	}

	return response, nil
}

// EnqueueSubmission makes sure the submission has a queued job row and a queue
// entry. It reports whether a new queue entry was pushed.
func (o *orchestrator) EnqueueSubmission(ctx context.Context, submission models.EvaluationSubmission) (bool, error) {
	now := o.now().UTC()
	created, err := o.jobs.CreateIfAbsent(ctx, &models.GradingJob{
		SubmissionID: submission.ID,
		EvaluationID: submission.EvaluationID,
		Status:       models.GradingJobStatusQueued,
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("submission %d deleted: %w", submission.ID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("create grading job for submission %d: %w", submission.ID, err)
	}
	if !created {
		if _, err := o.jobs.Requeue(ctx, submission.ID, now); err != nil {
			return false, fmt.Errorf("requeue grading job for submission %d: %w", submission.ID, err)
		}
	}

	added, err := o.queue.Enqueue(ctx, queue.Job{
		SubmissionID: submission.ID,
		EvaluationID: submission.EvaluationID,
		EnqueuedAt:   now,
	})
	if err != nil {
		return false, fmt.Errorf("enqueue submission %d: %w", submission.ID, err)
	}
	return added, nil
}

// CancelSubmissions drops pending queue entries and closes outstanding job rows.
func (o *orchestrator) CancelSubmissions(ctx context.Context, reason string, submissionIDs ...uint) error {
	if len(submissionIDs) == 0 {
		return nil
	}
	if err := o.queue.Remove(ctx, submissionIDs...); err != nil {
		return err
	}

	now := o.now().UTC()
	for _, id := range submissionIDs {
		if err := o.jobs.Discard(ctx, id, reason, now); err != nil {
			return err
		}
	}
	return nil
}

// ProcessJob runs a single grading attempt. Retries belong to the worker loop.
func (o *orchestrator) ProcessJob(ctx context.Context, job queue.Job) (models.SubmissionStatus, error) {
	result, err := o.processJob(ctx, job)
	return result.status, err
}

func (o *orchestrator) processJob(ctx context.Context, job queue.Job) (attemptResult, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_job", trace.WithAttributes(
		attribute.Int64("submission.id", int64(job.SubmissionID)),
		attribute.Int64("evaluation.id", int64(job.EvaluationID)),
	))
	defer span.End()

	submission, err := o.submissions.GetByID(ctx, job.SubmissionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return attemptResult{}, fmt.Errorf("submission %d deleted: %w", job.SubmissionID, ErrJobDiscarded)
	}
	if err != nil {
		o.fail(span, err)
		return attemptResult{}, fmt.Errorf("%w: %w", errStoreUnavailable, err)
	}

	switch {
	case submission.Status == models.SubmissionStatusEvaluated || submission.Status == models.SubmissionStatusFinalized:
		return attemptResult{status: submission.Status}, nil
	case submission.Status != models.SubmissionStatusUploaded:
		return attemptResult{status: submission.Status}, fmt.Errorf("submission %d is %s: %w", submission.ID, submission.Status, ErrJobDiscarded)
	case submission.GradingFailed():
		return attemptResult{status: submission.Status}, fmt.Errorf("submission %d already failed: %w", submission.ID, ErrJobDiscarded)
	}

	evaluation, err := o.evaluations.GetByID(ctx, submission.EvaluationID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return attemptResult{}, fmt.Errorf("evaluation %d deleted: %w", submission.EvaluationID, ErrJobDiscarded)
	}
	if err != nil {
		o.fail(span, err)
		return attemptResult{}, fmt.Errorf("%w: %w", errStoreUnavailable, err)
	}

	if o.cfg.Limiter != nil {
		if err := o.cfg.Limiter.Wait(ctx); err != nil {
			return attemptResult{}, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.OracleTimeout)
	response, err := o.grader.Grade(callCtx, ai.GradingRequest{
		QuestionPaperRef: evaluation.QuestionPaperRef,
		KeyScriptRefs:    evaluation.KeyScriptRefs(),
		StudentScriptRef: submission.ScriptRef,
		TotalMarks:       evaluation.TotalMarks,
	})
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{}, ctx.Err()
		}
		o.fail(span, err)
		if ai.IsTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			return attemptResult{}, fmt.Errorf("%w: %w", ErrOracleTransient, err)
		}
		return attemptResult{}, fmt.Errorf("%w: %w", ErrOracleStructural, err)
	}

	result, err := grading.ParseOracleResult(response.Payload, evaluation.TotalMarks).Unwrap()
	if err != nil {
		o.fail(span, err)
		return attemptResult{}, fmt.Errorf("%w: %w", ErrOracleStructural, err)
	}
	sanitizeResult(o.sanitizer, &result)

	graded, err := o.storeGrade(ctx, submission.ID, submission.ScriptRef, result)
	switch {
	case errors.Is(err, errSkipWrite):
		return attemptResult{status: graded.Status}, nil
	case errors.Is(err, ErrNotFound):
		return attemptResult{}, fmt.Errorf("submission %d deleted: %w", submission.ID, ErrJobDiscarded)
	case err != nil:
		o.fail(span, err)
		return attemptResult{}, err
	}

	span.SetAttributes(attribute.Float64("submission.total_mark_awarded", graded.TotalMarkAwarded))
	return attemptResult{
		status:   graded.Status,
		provider: response.Provider,
		model:    response.Model,
		usage:    response.Usage,
	}, nil
}

// storeGrade saves a grade the oracle already returned. Write conflicts and
// store errors are retried here so they never cost another oracle call.
func (o *orchestrator) storeGrade(ctx context.Context, submissionID uint, scriptRef string, result models.AiResult) (models.EvaluationSubmission, error) {
	mutate := func(sub *models.EvaluationSubmission, _ models.Evaluation) error {
		switch {
		case sub.Status == models.SubmissionStatusEvaluated || sub.Status == models.SubmissionStatusFinalized:
			return errSkipWrite
		case sub.Status != models.SubmissionStatusUploaded || sub.ScriptRef != scriptRef || sub.GradingFailed():
			return fmt.Errorf("submission %d changed during grading: %w", sub.ID, ErrJobDiscarded)
		}
		return grading.GradeSucceeded(sub, result)
	}

	for attempt := 1; ; attempt++ {
		graded, _, err := o.writer.apply(ctx, submissionID, nil, mutate)
		if err == nil || !storeRetryable(err) {
			return graded, err
		}
		if ctx.Err() != nil {
			return graded, ctx.Err()
		}
		if attempt >= o.cfg.MaxAttempts {
			return graded, fmt.Errorf("%w after %d write attempts: %w", errGradeNotStored, attempt, err)
		}

		o.logger.Warn().Err(err).Uint("submission_id", submissionID).Int("write_attempt", attempt).Msg("saving grade failed, retrying write")
		if sleepErr := o.sleep(ctx, o.backoff(attempt)); sleepErr != nil {
			return graded, sleepErr
		}
	}
}

// storeRetryable reports whether a failed submission write may succeed on a
// fresh attempt. Lifecycle and validation errors never do.
func storeRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrConflict):
		return true
	case errors.Is(err, errSkipWrite), errors.Is(err, ErrNotFound), errors.Is(err, ErrJobDiscarded),
		errors.Is(err, grading.ErrInvalidTransition), errors.Is(err, grading.ErrOutOfRange), errors.Is(err, grading.ErrSchema), errors.Is(err, grading.ErrInconsistent),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Run starts the fixed worker pool and blocks until ctx is cancelled.
func (o *orchestrator) Run(ctx context.Context) error {
	o.logger.Info().Int("workers", o.cfg.Workers).Int("max_attempts", o.cfg.MaxAttempts).Msg("grading workers starting")

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		worker := i
		group.Go(func() error {
			o.work(groupCtx, worker)
			return nil
		})
	}

	err := group.Wait()
	o.logger.Info().Msg("grading workers stopped")
	return err
}

func (o *orchestrator) work(ctx context.Context, worker int) {
	logger := o.logger.With().Int("worker", worker).Logger()
	for {
		job, err := o.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			if o.sleep(ctx, time.Second) != nil {
				return
			}
			continue
		}

		o.handle(ctx, job, logger)

		if depth, err := o.queue.Len(ctx); err == nil {
			observability.QueueDepth().Set(float64(depth))
		}
	}
}

// handle drives one job to a terminal outcome, retrying transient failures.
func (o *orchestrator) handle(ctx context.Context, job queue.Job, base zerolog.Logger) {
	started := o.now()
	logger := base.With().Uint("submission_id", job.SubmissionID).Uint("evaluation_id", job.EvaluationID).Logger()

	var (
		result   attemptResult
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		if markErr := o.jobs.MarkRunning(ctx, job.SubmissionID, attempts, o.now().UTC()); markErr != nil {
			if errors.Is(markErr, gorm.ErrRecordNotFound) {
				err = fmt.Errorf("grading job for submission %d missing: %w", job.SubmissionID, ErrJobDiscarded)
				break
			}
			logger.Warn().Err(markErr).Msg("failed to mark job running")
		}

		result, err = o.processJob(ctx, job)
		if err == nil {
			observability.GradingAttempts().WithLabelValues("ok").Inc()
			break
		}
		if ctx.Err() != nil {
			logger.Info().Msg("shutdown during grading, job left for recovery")
			return
		}
		if !retryable(err) {
			switch {
			case errors.Is(err, errGradeNotStored):
				observability.GradingAttempts().WithLabelValues("store_error").Inc()
			case !errors.Is(err, ErrJobDiscarded):
				observability.GradingAttempts().WithLabelValues("structural").Inc()
			}
			break
		}

		observability.GradingAttempts().WithLabelValues("transient").Inc()
		if attempts >= o.cfg.MaxAttempts {
			break
		}

		delay := o.backoff(attempts)
		logger.Warn().Err(err).Int("attempt", attempts).Dur("backoff", delay).Msg("transient grading failure, retrying")
		if o.sleep(ctx, delay) != nil {
			return
		}
	}

	o.finish(ctx, job, attempts, result, err, logger)
	observability.GradingJobDuration().Observe(o.now().Sub(started).Seconds())
}

func (o *orchestrator) finish(ctx context.Context, job queue.Job, attempts int, result attemptResult, err error, logger zerolog.Logger) {
	now := o.now().UTC()
	event := dto.ProgressEvent{EvaluationID: job.EvaluationID, SubmissionID: job.SubmissionID, At: now}

	switch {
	case err == nil:
		outcome := repository.JobOutcome{
			Status:   models.GradingJobStatusSucceeded,
			Attempts: attempts,
			Provider: result.provider,
			Model:    result.model,
			At:       now,
		}
		if result.usage != nil {
			outcome.Usage = datatypes.JSONMap(result.usage)
		}
		if finishErr := o.jobs.Finish(ctx, job.SubmissionID, outcome); finishErr != nil && !errors.Is(finishErr, gorm.ErrRecordNotFound) {
			logger.Warn().Err(finishErr).Msg("failed to record job success")
		}
		observability.GradingJobs().WithLabelValues("succeeded").Inc()
		event.Type = dto.EventJobSucceeded
		event.Status = string(result.status)
		logger.Info().Int("attempts", attempts).Str("status", string(result.status)).Msg("grading job succeeded")

	case errors.Is(err, ErrJobDiscarded):
		if discardErr := o.jobs.Discard(ctx, job.SubmissionID, err.Error(), now); discardErr != nil {
			logger.Warn().Err(discardErr).Msg("failed to discard job")
		}
		observability.GradingJobs().WithLabelValues("discarded").Inc()
		event.Type = dto.EventJobDiscarded
		event.Message = err.Error()
		logger.Info().Err(err).Msg("grading job discarded")

	default:
		message := err.Error()
		switch {
		case errors.Is(err, errStoreUnavailable):
			message = fmt.Sprintf("store unavailable after %d attempts: %v", attempts, err)
		case retryable(err):
			message = fmt.Sprintf("oracle transient failure exhausted after %d attempts: %v", attempts, err)
		}

		// the job row turns terminal before the submission shows the failure,
		// so a retry that observes the failure can always requeue the row
		if finishErr := o.jobs.Finish(ctx, job.SubmissionID, repository.JobOutcome{
			Status:    models.GradingJobStatusFailed,
			Attempts:  attempts,
			LastError: message,
			At:        now,
		}); finishErr != nil && !errors.Is(finishErr, gorm.ErrRecordNotFound) {
			logger.Warn().Err(finishErr).Msg("failed to record job failure")
		}

		_, _, recordErr := o.writer.apply(ctx, job.SubmissionID, nil, func(sub *models.EvaluationSubmission, _ models.Evaluation) error {
			if sub.Status != models.SubmissionStatusUploaded || sub.GradingFailed() {
				return errSkipWrite
			}
			return grading.RecordGradingFailure(sub, message, now)
		})
		if recordErr != nil && !errors.Is(recordErr, errSkipWrite) && !errors.Is(recordErr, ErrNotFound) {
			logger.Error().Err(recordErr).Msg("failed to record grading failure on submission")
		}

		observability.GradingJobs().WithLabelValues("failed").Inc()
		event.Type = dto.EventJobFailed
		event.Status = string(models.SubmissionStatusUploaded)
		event.Message = message
		logger.Error().Err(err).Int("attempts", attempts).Msg("grading job failed")
	}

	if ackErr := o.queue.Ack(ctx, job); ackErr != nil {
		logger.Warn().Err(ackErr).Msg("failed to ack job")
	}

	o.progress.Publish(ctx, event)

	if _, completionErr := o.CheckCompletion(ctx, job.EvaluationID); completionErr != nil {
		logger.Error().Err(completionErr).Msg("completion check failed")
	}

	o.reconcile(ctx, job.SubmissionID, logger)
}

// reconcile re-enqueues a submission that was re-uploaded or retried while
// its previous job still held the queue key.
func (o *orchestrator) reconcile(ctx context.Context, submissionID uint, logger zerolog.Logger) {
	submission, err := o.submissions.GetByID(ctx, submissionID)
	if err != nil || submission.Status != models.SubmissionStatusUploaded || submission.GradingFailed() {
		return
	}

	evaluation, err := o.evaluations.GetByID(ctx, submission.EvaluationID)
	if err != nil || evaluation.Status != models.EvaluationStatusInProgress {
		return
	}

	added, err := o.EnqueueSubmission(ctx, submission)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to re-enqueue submission")
		return
	}
	if added {
		logger.Info().Msg("submission changed during grading, re-enqueued")
	}
}

// CheckCompletion completes the evaluation if every submission has settled.
func (o *orchestrator) CheckCompletion(ctx context.Context, evaluationID uint) (bool, error) {
	completed, err := o.evaluations.CompleteIfSettled(ctx, evaluationID, o.now().UTC())
	if err != nil {
		return false, err
	}

	if completed {
		observability.BatchesCompleted().Inc()
		o.logger.Info().Uint("evaluation_id", evaluationID).Msg("evaluation completed")
		o.progress.Publish(ctx, dto.ProgressEvent{
			Type:         dto.EventBatchCompleted,
			EvaluationID: evaluationID,
			Status:       string(models.EvaluationStatusCompleted),
		})
	}
	return completed, nil
}

// RetrySubmission clears a permanent grading failure and queues the script again.
func (o *orchestrator) RetrySubmission(ctx context.Context, submissionID uint) (models.EvaluationSubmission, error) {
	submission, evaluation, err := o.writer.apply(ctx, submissionID, nil, func(sub *models.EvaluationSubmission, _ models.Evaluation) error {
		return grading.ResetGradingFailure(sub)
	})
	if err != nil {
		return models.EvaluationSubmission{}, err
	}

	if evaluation.Status == models.EvaluationStatusInProgress {
		if _, err := o.EnqueueSubmission(ctx, submission); err != nil {
			return submission, err
		}
	}

	o.logger.Info().Uint("submission_id", submissionID).Msg("grading retry requested")
	return submission, nil
}

// Recover rebuilds queue entries from the job ledger after a restart and
// completes evaluations whose last outcome landed before a crash.
func (o *orchestrator) Recover(ctx context.Context) (int, error) {
	if recoverable, ok := o.queue.(interface {
		Recover(ctx context.Context) (int, error)
	}); ok {
		if _, err := recoverable.Recover(ctx); err != nil {
			return 0, err
		}
	}

	outstanding, err := o.jobs.ListOutstanding(ctx)
	if err != nil {
		return 0, err
	}

	pushed := 0
	now := o.now().UTC()
	for _, job := range outstanding {
		added, err := o.queue.Enqueue(ctx, queue.Job{SubmissionID: job.SubmissionID, EvaluationID: job.EvaluationID, EnqueuedAt: now})
		if err != nil {
			return pushed, err
		}
		if added {
			pushed++
		}
	}

	var running []uint
	status := models.EvaluationStatusInProgress
	for page := 1; ; page++ {
		evaluations, _, err := o.evaluations.List(ctx, repository.EvaluationFilter{Status: &status, Page: page, PageSize: 100})
		if err != nil {
			return pushed, err
		}
		for _, evaluation := range evaluations {
			running = append(running, evaluation.ID)
		}
		if len(evaluations) < 100 {
			break
		}
	}
	for _, id := range running {
		if _, err := o.CheckCompletion(ctx, id); err != nil {
			return pushed, err
		}
	}

	o.logger.Info().Int("jobs", pushed).Msg("grading queue recovered")
	return pushed, nil
}

func (o *orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	return delay
}

// sanitizeResult strips markup from every free-text field of a grading result.
func sanitizeResult(policy *bluemonday.Policy, result *models.AiResult) {
	clean := func(value string) string {
		return strings.TrimSpace(policy.Sanitize(value))
	}
	for i := range result.Questions {
		question := &result.Questions[i]
		question.Question = clean(question.Question)
		question.Feedback = clean(question.Feedback)
		question.Section = clean(question.Section)
		question.Topic = clean(question.Topic)
		question.Difficulty = clean(question.Difficulty)
		question.BloomsLevel = clean(question.BloomsLevel)
		question.CO = clean(question.CO)
		question.PO = clean(question.PO)
		question.PSO = clean(question.PSO)
		for j := range question.MarkingScheme {
			question.MarkingScheme[j].Point = clean(question.MarkingScheme[j].Point)
		}
	}
}

func (o *orchestrator) fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func retryable(err error) bool {
	return errors.Is(err, ErrOracleTransient) || errors.Is(err, errStoreUnavailable)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
