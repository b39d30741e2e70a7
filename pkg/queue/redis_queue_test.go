package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := jobFromValues(streams[0].Messages[0].Values)
	if got.ID != job.ID || got.DocumentID != job.DocumentID || got.ThreadID != "thread-1" || got.FileName != "a.pdf" {
		t.Fatalf("unexpected requeued payload: %+v", got)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func TestRedisJobQueueRetriesThenFails(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:docs",
		Group:      "ingest",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Block:      20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Enqueue(ctx, Job{ID: "job-1", DocumentID: "doc-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var calls int32
	q.Start(ctx, 1, func(context.Context, Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		status, ok, err := q.GetJob(context.Background(), "job-1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == StatusFailed {
			if status.Attempts != 2 || status.ErrorMessage != "boom" {
				t.Fatalf("unexpected final status: %+v", status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job did not fail in time, last status %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	q.Wait()
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 handler calls, got %d", n)
	}
}

func TestRedisJobQueueRequiresDocumentID(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, _ := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "s"})
	if err := q.Enqueue(context.Background(), Job{}); err == nil {
		t.Fatal("expected error for empty document id")
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job := Job{ID: "job-1", DocumentID: "doc-1", ThreadID: "thread-1", UserID: "user-1", FileName: "a.pdf"}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}
