package grading

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/models"
)

func newSubmission() models.EvaluationSubmission {
	return models.EvaluationSubmission{ID: 1, EvaluationID: 1, StudentID: 1, Status: InitialStatus}
}

func evaluatedSubmission(t *testing.T) models.EvaluationSubmission {
	t.Helper()
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/scripts/1.pdf"))
	require.NoError(t, GradeSucceeded(&sub, sampleResult()))
	return sub
}

func requireInvalidTransition(t *testing.T, err error, from models.SubmissionStatus, event Event) {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidTransition)

	var transitionErr *InvalidTransitionError
	require.True(t, errors.As(err, &transitionErr))
	require.Equal(t, from, transitionErr.From)
	require.Equal(t, event, transitionErr.Event)
}

func TestUploadFromSubmittedAndAbsent(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/scripts/a.pdf"))
	require.Equal(t, models.SubmissionStatusUploaded, sub.Status)
	require.Equal(t, "/scripts/a.pdf", sub.ScriptRef)
	require.NoError(t, CheckConsistency(sub))

	absent := newSubmission()
	require.NoError(t, MarkAbsent(&absent, models.EvaluationStatusPending))
	require.NoError(t, Upload(&absent, models.EvaluationStatusPending, "/scripts/b.pdf"))
	require.False(t, absent.IsAbsent)
	require.NoError(t, CheckConsistency(absent))
}

func TestUploadRequiresScriptReference(t *testing.T) {
	sub := newSubmission()
	err := Upload(&sub, models.EvaluationStatusPending, "  ")
	requireInvalidTransition(t, err, models.SubmissionStatusSubmitted, EventUpload)
	require.Equal(t, models.SubmissionStatusSubmitted, sub.Status)
}

func TestMarkAbsentClearsScript(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/scripts/a.pdf"))
	require.NoError(t, MarkAbsent(&sub, models.EvaluationStatusInProgress))

	require.Equal(t, models.SubmissionStatusAbsent, sub.Status)
	require.True(t, sub.IsAbsent)
	require.Empty(t, sub.ScriptRef)
	require.NoError(t, CheckConsistency(sub))
}

func TestMarkAbsentRejectedOnEvaluated(t *testing.T) {
	sub := evaluatedSubmission(t)
	before := sub

	err := MarkAbsent(&sub, models.EvaluationStatusInProgress)
	requireInvalidTransition(t, err, models.SubmissionStatusEvaluated, EventMarkAbsent)
	require.Equal(t, before, sub)
}

func TestMarkAbsentRejectedWhenBatchCompleted(t *testing.T) {
	sub := newSubmission()
	err := MarkAbsent(&sub, models.EvaluationStatusCompleted)
	requireInvalidTransition(t, err, models.SubmissionStatusSubmitted, EventMarkAbsent)
}

func TestUnmarkAbsent(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, MarkAbsent(&sub, models.EvaluationStatusPending))

	err := UnmarkAbsent(&sub, models.EvaluationStatusCompleted)
	requireInvalidTransition(t, err, models.SubmissionStatusAbsent, EventUnmarkAbsent)

	require.NoError(t, UnmarkAbsent(&sub, models.EvaluationStatusPending))
	require.Equal(t, models.SubmissionStatusSubmitted, sub.Status)
	require.False(t, sub.IsAbsent)
	require.NoError(t, CheckConsistency(sub))
}

func TestGradeSucceededOnlyFromUploaded(t *testing.T) {
	pending := models.EvaluationSubmission{Status: models.SubmissionStatusPending}
	err := GradeSucceeded(&pending, sampleResult())
	requireInvalidTransition(t, err, models.SubmissionStatusPending, EventGradeSucceeded)
	require.Nil(t, pending.AiResult)

	sub := evaluatedSubmission(t)
	require.Equal(t, models.SubmissionStatusEvaluated, sub.Status)
	require.Equal(t, 9.0, sub.TotalMarkAwarded)
	require.Equal(t, 9.0, sub.AiResult.TotalMarkAwarded)
	require.NoError(t, CheckConsistency(sub))
}

func TestGradeSucceededDoesNotAliasInput(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/s.pdf"))
	input := sampleResult()
	require.NoError(t, GradeSucceeded(&sub, input))

	input.Questions[0].MarkingScheme[1].Status = true
	require.False(t, sub.AiResult.Questions[0].MarkingScheme[1].Status)
}

func TestEditMarkingPointAddsExactlyTheToggledMark(t *testing.T) {
	sub := evaluatedSubmission(t)
	before := sub.TotalMarkAwarded
	require.Equal(t, 2.0, sub.AiResult.Questions[0].MarksAwarded)

	require.NoError(t, EditMarkingPoint(&sub, 0, 1, true))

	require.Equal(t, 7.0, sub.AiResult.Questions[0].MarksAwarded)
	require.Equal(t, before+5, sub.TotalMarkAwarded)
	require.Equal(t, models.SubmissionStatusEvaluated, sub.Status)
	require.NoError(t, CheckConsistency(sub))
}

func TestEditMarkingPointRejectedWhileUploaded(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/s.pdf"))

	err := EditMarkingPoint(&sub, 0, 0, true)
	requireInvalidTransition(t, err, models.SubmissionStatusUploaded, EventEditMarkingPoint)
}

func TestEditMarkingPointIndexOutOfRange(t *testing.T) {
	sub := evaluatedSubmission(t)
	require.ErrorIs(t, EditMarkingPoint(&sub, 5, 0, true), ErrOutOfRange)
	require.ErrorIs(t, EditMarkingPoint(&sub, 0, 9, true), ErrOutOfRange)
}

func TestSetQuestionMarksOnlyForManualQuestions(t *testing.T) {
	sub := evaluatedSubmission(t)

	err := SetQuestionMarks(&sub, 0, 3)
	requireInvalidTransition(t, err, models.SubmissionStatusEvaluated, EventSetQuestionMarks)

	require.ErrorIs(t, SetQuestionMarks(&sub, 1, 6), ErrOutOfRange)

	require.NoError(t, SetQuestionMarks(&sub, 1, 1))
	require.Equal(t, 6.0, sub.TotalMarkAwarded)
	require.NoError(t, CheckConsistency(sub))
}

func TestFinalizeLocksEdits(t *testing.T) {
	sub := evaluatedSubmission(t)
	reviewer := uint(7)
	now := time.Now()

	require.NoError(t, Finalize(&sub, &reviewer, now))
	require.Equal(t, models.SubmissionStatusFinalized, sub.Status)
	require.Equal(t, reviewer, *sub.FinalizedBy)

	err := EditMarkingPoint(&sub, 0, 1, true)
	requireInvalidTransition(t, err, models.SubmissionStatusFinalized, EventEditMarkingPoint)

	err = Finalize(&sub, &reviewer, now)
	requireInvalidTransition(t, err, models.SubmissionStatusFinalized, EventFinalize)
}

func TestGradingFailureRecordAndReset(t *testing.T) {
	sub := newSubmission()
	require.Error(t, RecordGradingFailure(&sub, "boom", time.Now()))

	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/s.pdf"))
	require.ErrorIs(t, ResetGradingFailure(&sub), ErrInvalidTransition)

	require.NoError(t, RecordGradingFailure(&sub, "boom", time.Now()))
	require.True(t, sub.GradingFailed())
	require.Equal(t, models.SubmissionStatusUploaded, sub.Status)

	require.NoError(t, ResetGradingFailure(&sub))
	require.False(t, sub.GradingFailed())
}

func TestRandomTransitionSequencesStayConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	batches := []models.EvaluationStatus{
		models.EvaluationStatusPending,
		models.EvaluationStatusInProgress,
		models.EvaluationStatusCompleted,
	}

	for run := 0; run < 200; run++ {
		sub := newSubmission()
		for step := 0; step < 30; step++ {
			batch := batches[rng.Intn(len(batches))]
			var err error
			switch rng.Intn(9) {
			case 0:
				err = Upload(&sub, batch, "/scripts/x.pdf")
			case 1:
				err = MarkAbsent(&sub, batch)
			case 2:
				err = UnmarkAbsent(&sub, batch)
			case 3:
				err = GradeSucceeded(&sub, sampleResult())
			case 4:
				err = EditMarkingPoint(&sub, rng.Intn(3), rng.Intn(3), rng.Intn(2) == 0)
			case 5:
				err = SetQuestionMarks(&sub, 1, float64(rng.Intn(6)))
			case 6:
				err = Finalize(&sub, nil, time.Now())
			case 7:
				err = RecordGradingFailure(&sub, "failed", time.Now())
			case 8:
				err = ResetGradingFailure(&sub)
			}
			if err != nil {
				require.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrOutOfRange), err.Error())
			}
			require.NoError(t, CheckConsistency(sub))
		}
	}
}

func TestCheckConsistencyFlagsBrokenInvariants(t *testing.T) {
	sub := newSubmission()
	require.NoError(t, Upload(&sub, models.EvaluationStatusPending, "/scripts/a.pdf"))
	sub.IsAbsent = true

	err := CheckConsistency(sub)
	require.ErrorIs(t, err, ErrInconsistent)
	require.Contains(t, err.Error(), "absent flag set")
}
