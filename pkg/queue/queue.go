package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Enqueue after the queue stopped accepting work.
var ErrClosed = errors.New("queue closed")

// Job is one uploaded document waiting for ingestion.
// Data is carried in-process only; durable backends leave it empty and the
// handler re-reads the binary from the document store.
type Job struct {
	ID          string
	DocumentID  string
	ThreadID    string
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
	Attempts    int
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// JobQueue feeds document jobs to a bounded set of workers.
type JobQueue interface {
	Enqueue(ctx context.Context, job Job) error
	// Start launches the workers; they stop when ctx is cancelled.
	Start(ctx context.Context, concurrency int, handler Handler)
	// Wait blocks until the workers and in-flight jobs have finished.
	Wait()
}
