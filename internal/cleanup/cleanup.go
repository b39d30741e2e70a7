package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docchat/pkg/domain"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

const defaultBatchSize = 100

// Config wires the stores the cascades touch.
type Config struct {
	Store     store.Store
	Documents storage.DocumentStore
	Search    search.Service
	// BatchSize caps the rows handled per cascade pass.
	BatchSize int
	// ThreadMaxAge expires live threads not updated for this long. Zero disables expiry.
	ThreadMaxAge time.Duration
	Now          func() time.Time
}

// Report summarizes one cleanup pass.
type Report struct {
	ThreadsExpired   int `json:"threadsExpired"`
	DocumentsRemoved int `json:"documentsRemoved"`
	ChunksRemoved    int `json:"chunksRemoved"`
	DocumentsMarked  int `json:"documentsMarked"`
	MessagesRemoved  int `json:"messagesRemoved"`
	ThreadsRemoved   int `json:"threadsRemoved"`
	ThreadsPending   int `json:"threadsPending"`
	Failures         int `json:"failures"`
}

func (r *Report) add(o Report) {
	r.ThreadsExpired += o.ThreadsExpired
	r.DocumentsRemoved += o.DocumentsRemoved
	r.ChunksRemoved += o.ChunksRemoved
	r.DocumentsMarked += o.DocumentsMarked
	r.MessagesRemoved += o.MessagesRemoved
	r.ThreadsRemoved += o.ThreadsRemoved
	r.ThreadsPending += o.ThreadsPending
	r.Failures += o.Failures
}

// Cleaner converges soft-deleted documents and threads across the registry,
// the search index and the document store. Every step is idempotent: a failed
// row stays soft-deleted and is retried on the next pass.
type Cleaner struct {
	store     store.Store
	documents storage.DocumentStore
	search    search.Service
	batchSize int
	maxAge    time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// New validates cfg and returns a Cleaner.
func New(cfg Config) (*Cleaner, error) {
	if cfg.Store == nil || cfg.Documents == nil || cfg.Search == nil {
		return nil, fmt.Errorf("store, document store and search service are required")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Cleaner{
		store:     cfg.Store,
		documents: cfg.Documents,
		search:    cfg.Search,
		batchSize: batch,
		maxAge:    cfg.ThreadMaxAge,
		now:       now,
		logger:    slog.Default().With("component", "cleanup"),
	}, nil
}

// Run performs one full pass: expire old threads, drain deleted documents,
// cascade deleted threads, then drain the documents those threads released.
func (c *Cleaner) Run(ctx context.Context) (Report, error) {
	var total Report
	steps := []struct {
		name string
		fn   func(context.Context) (Report, error)
	}{
		{"expire threads", c.ExpireThreads},
		{"cleanup documents", c.CleanupDocuments},
		{"cleanup threads", c.CleanupThreads},
		{"cleanup released documents", c.CleanupDocuments},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		r, err := step.fn(ctx)
		total.add(r)
		if err != nil {
			return total, fmt.Errorf("%s: %w", step.name, err)
		}
	}
	c.logger.Info("cleanup pass finished",
		"threads_expired", total.ThreadsExpired,
		"documents_removed", total.DocumentsRemoved,
		"threads_removed", total.ThreadsRemoved,
		"threads_pending", total.ThreadsPending,
		"failures", total.Failures,
	)
	return total, nil
}

// ExpireThreads soft-deletes live threads whose last update is older than the
// configured maximum age.
func (c *Cleaner) ExpireThreads(ctx context.Context) (Report, error) {
	var r Report
	if c.maxAge <= 0 {
		return r, nil
	}
	cutoff := c.now().UTC().Add(-c.maxAge)
	threads, err := c.store.ListThreadsOlderThan(ctx, cutoff, c.batchSize)
	if err != nil {
		return r, fmt.Errorf("list expired threads: %w", err)
	}
	for _, t := range threads {
		if err := c.store.SoftDeleteThread(ctx, t.UserID, t.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.Failures++
			c.logger.Warn("expire thread failed", "thread_id", t.ID, "err", err)
			continue
		}
		r.ThreadsExpired++
	}
	return r, nil
}

// CleanupDocuments removes soft-deleted documents: binary, then search chunks,
// then the registry record. A failed step leaves the record for the next pass.
func (c *Cleaner) CleanupDocuments(ctx context.Context) (Report, error) {
	var r Report
	docs, err := c.store.ListSoftDeletedDocuments(ctx, c.batchSize)
	if err != nil {
		return r, fmt.Errorf("list deleted documents: %w", err)
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		chunks, err := c.removeDocument(ctx, doc)
		if err != nil {
			r.Failures++
			c.logger.Warn("document cleanup failed", "document_id", doc.ID, "thread_id", doc.ThreadID, "err", err)
			continue
		}
		r.DocumentsRemoved++
		r.ChunksRemoved += chunks
	}
	return r, nil
}

func (c *Cleaner) removeDocument(ctx context.Context, doc domain.DocsPerThread) (int, error) {
	ids, err := c.search.ChunkIDs(ctx, doc.ID)
	if err != nil {
		return 0, fmt.Errorf("lookup chunks: %w", err)
	}
	c.logger.Debug("removing document", "document_id", doc.ID, "chunks", len(ids))
	obj := storage.StoredObject{Key: doc.StorageKey, Folder: doc.Folder}
	if err := c.documents.Delete(ctx, obj); err != nil {
		return 0, fmt.Errorf("delete binary: %w", err)
	}
	removed, err := c.search.DeleteDocument(ctx, doc.ID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks: %w", err)
	}
	if err := c.store.DeleteDocument(ctx, doc.ID); err != nil {
		return removed, fmt.Errorf("delete registry record: %w", err)
	}
	return removed, nil
}

// CleanupThreads cascades soft-deleted threads. A thread is hard-deleted only
// once no document rows reference it, messages first.
func (c *Cleaner) CleanupThreads(ctx context.Context) (Report, error) {
	var r Report
	threads, err := c.store.ListSoftDeletedThreads(ctx, c.batchSize)
	if err != nil {
		return r, fmt.Errorf("list deleted threads: %w", err)
	}
	for _, t := range threads {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		logger := c.logger.With("thread_id", t.ID)
		docs, err := c.store.ListAllDocumentsByThread(ctx, t.ID)
		if err != nil {
			r.Failures++
			logger.Warn("list thread documents failed", "err", err)
			continue
		}
		if len(docs) > 0 {
			marked, err := c.store.SoftDeleteDocumentsByThread(ctx, t.ID)
			if err != nil {
				r.Failures++
				logger.Warn("soft-delete thread documents failed", "err", err)
				continue
			}
			r.DocumentsMarked += marked
			r.ThreadsPending++
			logger.Info("thread waiting for document cascade", "documents", len(docs))
			continue
		}
		n, err := c.store.DeleteMessages(ctx, t.ID)
		r.MessagesRemoved += n
		if err != nil {
			r.Failures++
			logger.Warn("delete thread messages failed", "err", err)
			continue
		}
		if err := c.store.DeleteThread(ctx, t.ID); err != nil {
			r.Failures++
			logger.Warn("delete thread failed", "err", err)
			continue
		}
		r.ThreadsRemoved++
	}
	return r, nil
}
