package grading

import (
	"errors"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ErrInvalidTransition is matched by every state machine rejection.
var ErrInvalidTransition = errors.New("invalid submission transition")

// ErrOutOfRange indicates an index or mark outside the allowed bounds.
var ErrOutOfRange = errors.New("value out of range")

// ErrSchema is matched by every trust-boundary validation failure.
var ErrSchema = errors.New("grading result failed schema validation")

// ErrInconsistent is matched when a submission breaks its state invariants.
var ErrInconsistent = errors.New("submission state inconsistent")

// Event names an operation applied to a submission.
type Event string

const (
	EventUpload              Event = "upload"
	EventMarkAbsent          Event = "markAbsent"
	EventUnmarkAbsent        Event = "unmarkAbsent"
	EventGradeSucceeded      Event = "gradeSucceeded"
	EventEditMarkingPoint    Event = "editMarkingPoint"
	EventSetQuestionMarks    Event = "setQuestionMarks"
	EventSetQuestionFeedback Event = "setQuestionFeedback"
	EventFinalize            Event = "finalize"
	EventRecordFailure       Event = "recordGradingFailure"
	EventResetFailure        Event = "resetGradingFailure"
)

// InvalidTransitionError identifies the current state and the rejected event.
type InvalidTransitionError struct {
	From   models.SubmissionStatus
	Event  Event
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cannot apply %s to submission in state %q", e.Event, e.From)
	}
	return fmt.Sprintf("cannot apply %s to submission in state %q: %s", e.Event, e.From, e.Reason)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// SchemaError lists every violation found while parsing an oracle payload.
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("grading result failed schema validation: %s", strings.Join(e.Violations, "; "))
}

// Is lets errors.Is match ErrSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

func invalid(from models.SubmissionStatus, event Event, reason string) error {
	return &InvalidTransitionError{From: from, Event: event, Reason: reason}
}
