package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue. Jobs do not survive a restart; the
// orchestrator's recovery pass rebuilds them from the grading_jobs table.
type MemoryQueue struct {
	mu      sync.Mutex
	pending []Job
	keys    map[uint]struct{}
	notify  chan struct{}
	closed  bool
}

// NewMemoryQueue builds an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		keys:   make(map[uint]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if _, exists := q.keys[job.SubmissionID]; exists {
		return false, nil
	}

	q.keys[job.SubmissionID] = struct{}{}
	q.pending = append(q.pending, job)
	q.signal()
	return true, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		if len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			if len(q.pending) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.keys, job.SubmissionID)
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, submissionIDs ...uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[uint]struct{}, len(submissionIDs))
	for _, id := range submissionIDs {
		drop[id] = struct{}{}
	}

	kept := q.pending[:0]
	for _, job := range q.pending {
		if _, removed := drop[job.SubmissionID]; removed {
			delete(q.keys, job.SubmissionID)
			continue
		}
		kept = append(kept, job)
	}
	q.pending = kept
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

// Close wakes blocked consumers and rejects further work.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// signal must be called with mu held.
func (q *MemoryQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
