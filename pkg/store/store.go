package store

import (
	"context"
	"errors"
	"time"

	"docchat/pkg/domain"
)

var (
	// ErrNotFound is returned when a record does not exist or belongs to another user.
	ErrNotFound = errors.New("not found")
	// ErrThreadHasMessages blocks a thread hard delete while messages remain.
	ErrThreadHasMessages = errors.New("thread still has messages")
)

// ThreadRepository persists chat threads and their messages.
type ThreadRepository interface {
	CreateThread(ctx context.Context, thread domain.Thread) error
	GetThread(ctx context.Context, userID, id string) (domain.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]domain.Thread, error)
	ListAllThreads(ctx context.Context, filter ListFilter) ([]domain.Thread, error)
	RenameThread(ctx context.Context, userID, id, name string) (domain.Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
	SoftDeleteThread(ctx context.Context, userID, id string) error
	ListSoftDeletedThreads(ctx context.Context, limit int) ([]domain.Thread, error)
	ListThreadsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]domain.Thread, error)
	DeleteThread(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg domain.ThreadMessage) error
	ListMessages(ctx context.Context, userID, threadID string) ([]domain.ThreadMessage, error)
	DeleteMessages(ctx context.Context, threadID string) (int, error)
}

// DocumentRegistry persists DocsPerThread metadata records.
type DocumentRegistry interface {
	SaveDocument(ctx context.Context, doc domain.DocsPerThread) error
	GetDocument(ctx context.Context, userID, id string) (domain.DocsPerThread, error)
	GetDocumentByID(ctx context.Context, id string) (domain.DocsPerThread, error)
	ListDocumentsByThread(ctx context.Context, userID, threadID string) ([]domain.DocsPerThread, error)
	ListAllDocumentsByThread(ctx context.Context, threadID string) ([]domain.DocsPerThread, error)
	ListDocuments(ctx context.Context, filter ListFilter) ([]domain.DocsPerThread, error)
	SoftDeleteDocument(ctx context.Context, userID, id string) error
	SoftDeleteDocumentsByThread(ctx context.Context, threadID string) (int, error)
	MarkDocumentIndexed(ctx context.Context, id string, extractAvailable bool) error
	ListSoftDeletedDocuments(ctx context.Context, limit int) ([]domain.DocsPerThread, error)
	DeleteDocument(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Store is the full persistence surface used by the application.
type Store interface {
	ThreadRepository
	DocumentRegistry
}

// ListFilter narrows admin listings.
type ListFilter struct {
	UserID         string
	IncludeDeleted bool
	Limit          int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 200
	}
	return f.Limit
}
