package grading

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// markTolerance absorbs float drift when comparing mark sums.
const markTolerance = 1e-6

// InitialStatus is assigned to every submission when its evaluation is created.
const InitialStatus = models.SubmissionStatusSubmitted

// Upload attaches a script reference and moves the submission to uploaded.
func Upload(sub *models.EvaluationSubmission, batch models.EvaluationStatus, scriptRef string) error {
	scriptRef = strings.TrimSpace(scriptRef)
	switch {
	case sub.Status != models.SubmissionStatusSubmitted && sub.Status != models.SubmissionStatusAbsent:
		return invalid(sub.Status, EventUpload, "")
	case batch == models.EvaluationStatusCompleted:
		return invalid(sub.Status, EventUpload, "evaluation already completed")
	case scriptRef == "":
		return invalid(sub.Status, EventUpload, "script reference required")
	}

	sub.Status = models.SubmissionStatusUploaded
	sub.ScriptRef = scriptRef
	sub.IsAbsent = false
	clearFailure(sub)
	return nil
}

// MarkAbsent excuses the student and drops any uploaded script.
func MarkAbsent(sub *models.EvaluationSubmission, batch models.EvaluationStatus) error {
	switch {
	case sub.Status != models.SubmissionStatusSubmitted && sub.Status != models.SubmissionStatusUploaded:
		return invalid(sub.Status, EventMarkAbsent, "")
	case batch == models.EvaluationStatusCompleted:
		return invalid(sub.Status, EventMarkAbsent, "evaluation already completed")
	}

	sub.Status = models.SubmissionStatusAbsent
	sub.IsAbsent = true
	sub.ScriptRef = ""
	clearFailure(sub)
	return nil
}

// UnmarkAbsent returns an absent student to the awaiting-script state.
func UnmarkAbsent(sub *models.EvaluationSubmission, batch models.EvaluationStatus) error {
	switch {
	case sub.Status != models.SubmissionStatusAbsent:
		return invalid(sub.Status, EventUnmarkAbsent, "")
	case batch == models.EvaluationStatusCompleted:
		return invalid(sub.Status, EventUnmarkAbsent, "evaluation already completed")
	}

	sub.Status = models.SubmissionStatusSubmitted
	sub.IsAbsent = false
	return nil
}

// GradeSucceeded attaches a validated result, recomputing every derived mark.
func GradeSucceeded(sub *models.EvaluationSubmission, result models.AiResult) error {
	if sub.Status != models.SubmissionStatusUploaded {
		return invalid(sub.Status, EventGradeSucceeded, "")
	}

	attached := result.Clone()
	total := Recompute(&attached)

	sub.AiResult = &attached
	sub.TotalMarkAwarded = total
	sub.Status = models.SubmissionStatusEvaluated
	clearFailure(sub)
	return nil
}

// EditMarkingPoint toggles one marking point and recomputes the question and total.
func EditMarkingPoint(sub *models.EvaluationSubmission, questionIndex, pointIndex int, credited bool) error {
	result, err := editableResult(sub, EventEditMarkingPoint)
	if err != nil {
		return err
	}
	if questionIndex < 0 || questionIndex >= len(result.Questions) {
		return fmt.Errorf("question %d: %w", questionIndex, ErrOutOfRange)
	}

	question := &result.Questions[questionIndex]
	if pointIndex < 0 || pointIndex >= len(question.MarkingScheme) {
		return fmt.Errorf("marking point %d of question %d: %w", pointIndex, questionIndex, ErrOutOfRange)
	}

	question.MarkingScheme[pointIndex].Status = credited
	RecomputeQuestion(question)
	commitResult(sub, result)
	return nil
}

// SetQuestionMarks scores a question that has no marking scheme.
func SetQuestionMarks(sub *models.EvaluationSubmission, questionIndex int, marks float64) error {
	result, err := editableResult(sub, EventSetQuestionMarks)
	if err != nil {
		return err
	}
	if questionIndex < 0 || questionIndex >= len(result.Questions) {
		return fmt.Errorf("question %d: %w", questionIndex, ErrOutOfRange)
	}

	question := &result.Questions[questionIndex]
	if len(question.MarkingScheme) > 0 {
		return invalid(sub.Status, EventSetQuestionMarks, "question is scored by its marking scheme")
	}
	if marks < 0 || marks > question.Marks+markTolerance || math.IsNaN(marks) {
		return fmt.Errorf("marks %.2f outside [0, %.2f]: %w", marks, question.Marks, ErrOutOfRange)
	}

	question.MarksAwarded = marks
	commitResult(sub, result)
	return nil
}

// SetQuestionFeedback replaces the reviewer-facing feedback of a question.
func SetQuestionFeedback(sub *models.EvaluationSubmission, questionIndex int, feedback string) error {
	result, err := editableResult(sub, EventSetQuestionFeedback)
	if err != nil {
		return err
	}
	if questionIndex < 0 || questionIndex >= len(result.Questions) {
		return fmt.Errorf("question %d: %w", questionIndex, ErrOutOfRange)
	}

	result.Questions[questionIndex].Feedback = feedback
	commitResult(sub, result)
	return nil
}

// Finalize locks the reviewed result against further edits.
func Finalize(sub *models.EvaluationSubmission, reviewerID *uint, at time.Time) error {
	if sub.Status != models.SubmissionStatusEvaluated {
		return invalid(sub.Status, EventFinalize, "")
	}
	if sub.AiResult == nil {
		return invalid(sub.Status, EventFinalize, "no grading result attached")
	}

	sub.Status = models.SubmissionStatusFinalized
	finalizedAt := at
	sub.FinalizedAt = &finalizedAt
	if reviewerID != nil {
		reviewer := *reviewerID
		sub.FinalizedBy = &reviewer
	}
	return nil
}

// RecordGradingFailure notes a permanent grading failure while keeping the script uploaded.
func RecordGradingFailure(sub *models.EvaluationSubmission, message string, at time.Time) error {
	if sub.Status != models.SubmissionStatusUploaded {
		return invalid(sub.Status, EventRecordFailure, "")
	}

	failedAt := at
	sub.GradingError = message
	sub.GradingFailedAt = &failedAt
	return nil
}

// ResetGradingFailure clears a recorded failure so grading can be attempted again.
func ResetGradingFailure(sub *models.EvaluationSubmission) error {
	if sub.Status != models.SubmissionStatusUploaded || sub.GradingFailedAt == nil {
		return invalid(sub.Status, EventResetFailure, "no grading failure recorded")
	}

	clearFailure(sub)
	return nil
}

// CheckConsistency verifies that the status and its companion fields agree.
func CheckConsistency(sub models.EvaluationSubmission) error {
	var problems []string
	hasResult := sub.AiResult != nil
	hasScript := strings.TrimSpace(sub.ScriptRef) != ""

	switch sub.Status {
	case models.SubmissionStatusPending, models.SubmissionStatusSubmitted:
		if hasScript {
			problems = append(problems, "script attached before upload")
		}
		if hasResult {
			problems = append(problems, "result attached before upload")
		}
		if sub.IsAbsent {
			problems = append(problems, "absent flag set")
		}
	case models.SubmissionStatusUploaded:
		if !hasScript {
			problems = append(problems, "uploaded without script")
		}
		if hasResult {
			problems = append(problems, "result attached while awaiting grading")
		}
		if sub.IsAbsent {
			problems = append(problems, "absent flag set")
		}
	case models.SubmissionStatusAbsent:
		if !sub.IsAbsent {
			problems = append(problems, "absent flag cleared")
		}
		if hasScript {
			problems = append(problems, "script attached while absent")
		}
		if hasResult {
			problems = append(problems, "result attached while absent")
		}
	case models.SubmissionStatusEvaluated, models.SubmissionStatusFinalized:
		if !hasResult {
			problems = append(problems, "no grading result attached")
		}
		if !hasScript {
			problems = append(problems, "no script attached")
		}
		if sub.IsAbsent {
			problems = append(problems, "absent flag set")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown status %q", sub.Status))
	}

	if hasResult {
		var sum float64
		for _, question := range sub.AiResult.Questions {
			sum += question.MarksAwarded
		}
		if math.Abs(sum-sub.TotalMarkAwarded) > markTolerance || math.Abs(sum-sub.AiResult.TotalMarkAwarded) > markTolerance {
			problems = append(problems, "total mark awarded out of sync")
		}
	} else if sub.TotalMarkAwarded != 0 {
		problems = append(problems, "total mark awarded without result")
	}

	if len(problems) > 0 {
		return fmt.Errorf("submission %d in state %q: %s: %w", sub.ID, sub.Status, strings.Join(problems, ", "), ErrInconsistent)
	}
	return nil
}

func editableResult(sub *models.EvaluationSubmission, event Event) (models.AiResult, error) {
	if sub.Status != models.SubmissionStatusEvaluated {
		return models.AiResult{}, invalid(sub.Status, event, "")
	}
	if sub.AiResult == nil {
		return models.AiResult{}, invalid(sub.Status, event, "no grading result attached")
	}
	return sub.AiResult.Clone(), nil
}

func commitResult(sub *models.EvaluationSubmission, result models.AiResult) {
	total := RecomputeSubmissionTotal(&result)
	sub.AiResult = &result
	sub.TotalMarkAwarded = total
}

func clearFailure(sub *models.EvaluationSubmission) {
	sub.GradingError = ""
	sub.GradingFailedAt = nil
}
