package cleanup

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"docchat/pkg/domain"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

type flakyDocuments struct {
	storage.DocumentStore
	failDelete bool
	deleted    []storage.StoredObject
}

func (f *flakyDocuments) Delete(ctx context.Context, obj storage.StoredObject) error {
	if f.failDelete {
		return errors.New("storage offline")
	}
	f.deleted = append(f.deleted, obj)
	return f.DocumentStore.Delete(ctx, obj)
}

type fixture struct {
	store   *store.MemoryStore
	index   *search.MemoryIndex
	docs    *flakyDocuments
	cleaner *Cleaner
	now     time.Time
}

func newFixture(t *testing.T, maxAge time.Duration) *fixture {
	t.Helper()
	base, err := storage.NewContainerStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("container store: %v", err)
	}
	f := &fixture{
		store: store.NewMemoryStore(),
		index: search.NewMemoryIndex(),
		docs:  &flakyDocuments{DocumentStore: base},
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.cleaner, err = New(Config{
		Store:        f.store,
		Documents:    f.docs,
		Search:       f.index,
		ThreadMaxAge: maxAge,
		Now:          func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	return f
}

func (f *fixture) thread(t *testing.T, id string, updated time.Time) domain.Thread {
	t.Helper()
	th := domain.Thread{ID: id, UserID: "user-1", ThreadName: id, LastUpdated: updated}
	if err := f.store.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("create thread: %v", err)
	}
	msg := domain.ThreadMessage{ID: id + "-m1", ThreadID: id, UserID: "user-1", Role: domain.RoleUser, Content: "hi", Created: updated}
	if err := f.store.AddMessage(context.Background(), msg); err != nil {
		t.Fatalf("add message: %v", err)
	}
	return th
}

func (f *fixture) document(t *testing.T, threadID, id string) domain.DocsPerThread {
	t.Helper()
	ctx := context.Background()
	obj, err := f.docs.Put(ctx, storage.ObjectRef{ThreadID: threadID, DocumentID: id, FileName: "a.txt"}, strings.NewReader("abc"), 3, "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	doc := domain.DocsPerThread{ID: id, ThreadID: threadID, UserID: "user-1", DocumentName: "a.txt", Folder: obj.Folder, StorageKey: obj.Key, UploadDate: f.now}
	if err := f.store.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
	err = f.index.Index(ctx, []domain.IndexDoc{
		{ChunkID: id + "_0000", DocumentID: id, ThreadID: threadID, UserID: "user-1", Content: "abc"},
		{ChunkID: id + "_extract", DocumentID: id, ThreadID: threadID, UserID: "user-1", Extract: "abc", IsExtract: true, ChunkIndex: 1},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return doc
}

func TestCleanupDocumentsRemovesAcrossStores(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.thread(t, "t1", f.now)
	doc := f.document(t, "t1", "d1")
	f.document(t, "t1", "d2")
	if err := f.store.SoftDeleteDocument(ctx, "user-1", "d1"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	report, err := f.cleaner.CleanupDocuments(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.DocumentsRemoved != 1 || report.ChunksRemoved != 2 || report.Failures != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := f.store.GetDocumentByID(ctx, "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected registry record removed, got %v", err)
	}
	if ids, _ := f.index.ChunkIDs(ctx, "d1"); len(ids) != 0 {
		t.Fatalf("expected chunks removed, got %v", ids)
	}
	if _, err := f.docs.Get(ctx, storage.StoredObject{Key: doc.StorageKey, Folder: doc.Folder}); !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected binary removed, got %v", err)
	}
	if ids, _ := f.index.ChunkIDs(ctx, "d2"); len(ids) != 2 {
		t.Fatalf("live document must be untouched, got %v", ids)
	}
}

func TestCleanupDocumentsStopsAtFailedStep(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.thread(t, "t1", f.now)
	doc := f.document(t, "t1", "d1")
	_ = f.store.SoftDeleteDocument(ctx, "user-1", "d1")
	f.docs.failDelete = true

	report, err := f.cleaner.CleanupDocuments(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Failures != 1 || report.DocumentsRemoved != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got, err := f.store.GetDocumentByID(ctx, "d1"); err != nil || !got.Deleted {
		t.Fatalf("registry record must remain soft-deleted, got %+v %v", got, err)
	}
	if ids, _ := f.index.ChunkIDs(ctx, "d1"); len(ids) != 2 {
		t.Fatalf("chunks must remain after failed binary delete, got %v", ids)
	}

	f.docs.failDelete = false
	if report, _ = f.cleaner.CleanupDocuments(ctx); report.DocumentsRemoved != 1 {
		t.Fatalf("expected retry to converge, got %+v", report)
	}
	rc, err := f.docs.Get(ctx, storage.StoredObject{Key: doc.StorageKey, Folder: doc.Folder})
	if err == nil {
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
		t.Fatal("binary still present after retry")
	}
}

func TestThreadNotHardDeletedWhileDocumentsRemain(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.thread(t, "t1", f.now)
	f.document(t, "t1", "d1")
	if err := f.store.SoftDeleteThread(ctx, "user-1", "t1"); err != nil {
		t.Fatalf("soft delete thread: %v", err)
	}
	f.docs.failDelete = true

	report, err := f.cleaner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.ThreadsRemoved != 0 || report.ThreadsPending != 1 || report.DocumentsMarked != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	threads, _ := f.store.ListSoftDeletedThreads(ctx, 10)
	if len(threads) != 1 {
		t.Fatal("thread must survive while its document cascade is pending")
	}
	if msgs, _ := f.store.ListMessages(ctx, "user-1", "t1"); len(msgs) != 1 {
		t.Fatalf("messages must survive while the cascade is pending, got %d", len(msgs))
	}

	f.docs.failDelete = false
	if report, err = f.cleaner.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.DocumentsRemoved != 1 || report.ThreadsRemoved != 1 || report.MessagesRemoved != 1 {
		t.Fatalf("expected cascade to converge, got %+v", report)
	}
	if threads, _ := f.store.ListSoftDeletedThreads(ctx, 10); len(threads) != 0 {
		t.Fatalf("thread still present: %+v", threads)
	}
}

func TestRunConvergesThreadInTwoPasses(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.thread(t, "t1", f.now)
	f.document(t, "t1", "d1")
	_ = f.store.SoftDeleteThread(ctx, "user-1", "t1")

	first, err := f.cleaner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if first.DocumentsMarked != 1 || first.DocumentsRemoved != 1 || first.ThreadsRemoved != 0 {
		t.Fatalf("unexpected first pass %+v", first)
	}
	second, err := f.cleaner.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if second.ThreadsRemoved != 1 {
		t.Fatalf("unexpected second pass %+v", second)
	}
}

func TestExpireThreads(t *testing.T) {
	f := newFixture(t, 30*24*time.Hour)
	ctx := context.Background()
	f.thread(t, "old", f.now.Add(-31*24*time.Hour))
	f.thread(t, "fresh", f.now.Add(-time.Hour))

	report, err := f.cleaner.ExpireThreads(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if report.ThreadsExpired != 1 {
		t.Fatalf("expected one expired thread, got %+v", report)
	}
	live, _ := f.store.ListThreads(ctx, "user-1")
	if len(live) != 1 || live[0].ID != "fresh" {
		t.Fatalf("unexpected live threads %+v", live)
	}

	disabled := newFixture(t, 0)
	disabled.thread(t, "old", disabled.now.Add(-365*24*time.Hour))
	if r, _ := disabled.cleaner.ExpireThreads(ctx); r.ThreadsExpired != 0 {
		t.Fatalf("expiry must be disabled with zero max age, got %+v", r)
	}
}
