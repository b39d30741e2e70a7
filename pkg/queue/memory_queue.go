package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const DefaultConcurrency = 3

// MemoryQueue is an in-process FIFO drained by one loop that runs each job in
// its own goroutine, bounded by a weighted semaphore.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []Job
	closed bool
	wake   chan struct{}

	loop     sync.WaitGroup
	inflight sync.WaitGroup
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{wake: make(chan struct{}, 1)}
}

// Enqueue appends job and wakes the loop.
func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.items = append(q.items, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of queued, not yet started jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Start runs the polling loop until ctx is cancelled. Queued jobs not yet
// started at cancellation are dropped.
func (q *MemoryQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	q.loop.Add(1)
	go func() {
		defer q.loop.Done()
		defer q.close()
		logger := slog.Default().With("component", "document_queue")
		for {
			if ctx.Err() != nil {
				return
			}
			job, ok := q.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-q.wake:
					continue
				}
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			q.inflight.Add(1)
			go func(job Job) {
				defer q.inflight.Done()
				defer sem.Release(1)
				job.Attempts++
				if err := handler(ctx, job); err != nil {
					logger.Error("document job failed", "job_id", job.ID, "document_id", job.DocumentID, "err", err)
					return
				}
				logger.Info("document job done", "job_id", job.ID, "document_id", job.DocumentID)
			}(job)
		}
	}()
}

// Wait blocks until the loop exits and all in-flight jobs complete.
func (q *MemoryQueue) Wait() {
	q.loop.Wait()
	q.inflight.Wait()
}

func (q *MemoryQueue) pop() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Job{}, false
	}
	job := q.items[0]
	q.items[0] = Job{}
	q.items = q.items[1:]
	return job, true
}

func (q *MemoryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
