package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GradingRequest contains the artefacts needed to grade one answer script.
type GradingRequest struct {
	QuestionPaperRef string
	KeyScriptRefs    []string
	StudentScriptRef string
	TotalMarks       float64
}

// GradingResponse is the raw structured payload returned by the oracle.
type GradingResponse struct {
	Payload  json.RawMessage
	Provider string
	Model    string
	Usage    map[string]interface{}
}

// Grader describes an AI model capable of grading scanned answer scripts.
type Grader interface {
	Grade(ctx context.Context, req GradingRequest) (GradingResponse, error)
}

var (
	// ErrTransient is matched by failures worth retrying (timeouts, rate limits, outages).
	ErrTransient = errors.New("transient grading failure")
	// ErrStructural is matched by failures that retrying cannot fix.
	ErrStructural = errors.New("structural grading failure")
)

// TransientError wraps a retryable oracle failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// StructuralError wraps a non-retryable oracle failure.
type StructuralError struct {
	Err error
}

func (e *StructuralError) Error() string { return fmt.Sprintf("structural: %v", e.Err) }

func (e *StructuralError) Unwrap() error { return e.Err }

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
