package service

import (
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/repository"
)

var (
	// ErrNotFound indicates the evaluation or submission does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrNotReady indicates a batch was started before every script was uploaded or excused.
	ErrNotReady = errors.New("evaluation not ready for grading")
	// ErrConflict indicates the submission changed since the caller last read it.
	ErrConflict = errors.New("submission was modified concurrently")
	// ErrOracleTransient marks a grading attempt that may succeed if retried.
	ErrOracleTransient = errors.New("grading oracle transient failure")
	// ErrOracleStructural marks a grading attempt that retrying cannot fix.
	ErrOracleStructural = errors.New("grading oracle structural failure")
	// ErrJobDiscarded indicates the job's submission no longer needs grading.
	ErrJobDiscarded = errors.New("grading job discarded")
	// ErrInvalidEdit indicates a manual edit request is missing an operand.
	ErrInvalidEdit = errors.New("invalid manual edit")
	// ErrScriptTooLarge indicates the uploaded script exceeded the configured limit.
	ErrScriptTooLarge = errors.New("script exceeds maximum allowed size")
	// ErrScriptType indicates the uploaded script is not a PDF.
	ErrScriptType = errors.New("script must be a pdf document")
)

func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrVersionConflict):
		return ErrConflict
	default:
		return err
	}
}
