package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Job is a grading request keyed by its submission. At most one job per
// submission is outstanding between Enqueue and Ack/Remove.
type Job struct {
	SubmissionID uint      `json:"submission_id"`
	EvaluationID uint      `json:"evaluation_id"`
	EnqueuedAt   time.Time `json:"enqueued_at"`

	raw string
}

// Queue hands grading jobs to workers with per-submission deduplication.
type Queue interface {
	// Enqueue adds the job unless one for the same submission is outstanding.
	// It reports whether the job was added.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)
	// Ack releases the submission key after a terminal outcome.
	Ack(ctx context.Context, job Job) error
	// Remove drops pending jobs and releases their keys. A job already held
	// by a worker keeps its key until that worker acks it.
	Remove(ctx context.Context, submissionIDs ...uint) error
	// Len returns the number of jobs waiting for a worker.
	Len(ctx context.Context) (int, error)
}
