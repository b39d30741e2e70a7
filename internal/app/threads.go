package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"docchat/pkg/domain"
	"docchat/pkg/store"
)

// repoErr keeps not-found errors intact and wraps everything else as a
// collaborator failure.
func repoErr(svc ServiceType, op string, err error) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	return serviceErr(svc, op, err)
}

// CreateThread starts a new conversation for the user.
func (a *App) CreateThread(ctx context.Context, userID, name string) (domain.Thread, error) {
	if err := requireUser(userID); err != nil {
		return domain.Thread{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultThreadName
	}
	thread := domain.Thread{
		ID:          uuid.NewString(),
		UserID:      userID,
		Type:        domain.TypeThread,
		ThreadName:  name,
		LastUpdated: a.clock(),
	}
	if err := a.store.CreateThread(ctx, thread); err != nil {
		return domain.Thread{}, serviceErr(ServiceThreadRepository, "create thread", err)
	}
	return thread, nil
}

// ListThreads returns the user's live threads, most recently updated first.
func (a *App) ListThreads(ctx context.Context, userID string) ([]domain.Thread, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	threads, err := a.store.ListThreads(ctx, userID)
	if err != nil {
		return nil, serviceErr(ServiceThreadRepository, "list threads", err)
	}
	return threads, nil
}

// RenameThread changes a thread's display name.
func (a *App) RenameThread(ctx context.Context, userID, threadID, name string) (domain.Thread, error) {
	if err := requireUser(userID); err != nil {
		return domain.Thread{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Thread{}, ErrThreadName
	}
	thread, err := a.store.RenameThread(ctx, userID, threadID, name)
	if err != nil {
		return domain.Thread{}, repoErr(ServiceThreadRepository, "rename thread", err)
	}
	return thread, nil
}

// DeleteThread soft-deletes a thread; cleanup removes its documents and messages.
func (a *App) DeleteThread(ctx context.Context, userID, threadID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	return repoErr(ServiceThreadRepository, "delete thread", a.store.SoftDeleteThread(ctx, userID, threadID))
}

// ListMessages returns a thread's messages in chronological order.
func (a *App) ListMessages(ctx context.Context, userID, threadID string) ([]domain.ThreadMessage, error) {
	if _, err := a.thread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(ctx, userID, threadID)
	if err != nil {
		return nil, serviceErr(ServiceThreadRepository, "list messages", err)
	}
	return msgs, nil
}

// ClearMessages deletes every message of a thread and reports how many were removed.
func (a *App) ClearMessages(ctx context.Context, userID, threadID string) (int, error) {
	if _, err := a.thread(ctx, userID, threadID); err != nil {
		return 0, err
	}
	n, err := a.store.DeleteMessages(ctx, threadID)
	if err != nil {
		return n, serviceErr(ServiceThreadRepository, "delete messages", err)
	}
	return n, nil
}

// thread loads a live thread owned by userID.
func (a *App) thread(ctx context.Context, userID, threadID string) (domain.Thread, error) {
	if err := requireUser(userID); err != nil {
		return domain.Thread{}, err
	}
	t, err := a.store.GetThread(ctx, userID, threadID)
	if err != nil {
		return domain.Thread{}, repoErr(ServiceThreadRepository, "get thread", err)
	}
	if t.Deleted {
		return domain.Thread{}, store.ErrNotFound
	}
	return t, nil
}
