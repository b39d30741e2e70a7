package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"docchat/pkg/domain"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "docchat.db")), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := NewGormStoreFromDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"gorm":   newSQLiteStore(t),
	}
}

func TestThreadLifecycle(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i, id := range []string{"t1", "t2", "t3"} {
				if err := s.CreateThread(ctx, domain.Thread{
					ID: id, UserID: "u1", ThreadName: id, LastUpdated: base.Add(time.Duration(i) * time.Minute),
				}); err != nil {
					t.Fatalf("create %s: %v", id, err)
				}
			}
			if err := s.CreateThread(ctx, domain.Thread{ID: "other", UserID: "u2", ThreadName: "x", LastUpdated: base}); err != nil {
				t.Fatalf("create other: %v", err)
			}

			threads, err := s.ListThreads(ctx, "u1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(threads) != 3 || threads[0].ID != "t3" || threads[2].ID != "t1" {
				t.Fatalf("unexpected order: %+v", threads)
			}
			if threads[0].Type != domain.TypeThread {
				t.Fatalf("expected type %q, got %q", domain.TypeThread, threads[0].Type)
			}

			if _, err := s.GetThread(ctx, "u2", "t1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found for foreign user, got %v", err)
			}

			renamed, err := s.RenameThread(ctx, "u1", "t1", "Renamed")
			if err != nil {
				t.Fatalf("rename: %v", err)
			}
			if renamed.ThreadName != "Renamed" || !renamed.LastUpdated.After(base) {
				t.Fatalf("unexpected rename result: %+v", renamed)
			}

			if err := s.SoftDeleteThread(ctx, "u1", "t2"); err != nil {
				t.Fatalf("soft delete: %v", err)
			}
			if err := s.SoftDeleteThread(ctx, "u1", "t2"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found on second delete, got %v", err)
			}
			threads, _ = s.ListThreads(ctx, "u1")
			if len(threads) != 2 {
				t.Fatalf("expected 2 live threads, got %d", len(threads))
			}
			deleted, err := s.ListSoftDeletedThreads(ctx, 10)
			if err != nil || len(deleted) != 1 || deleted[0].ID != "t2" {
				t.Fatalf("unexpected soft-deleted threads: %+v err=%v", deleted, err)
			}

			old, err := s.ListThreadsOlderThan(ctx, base.Add(90*time.Second), 10)
			if err != nil {
				t.Fatalf("older than: %v", err)
			}
			if len(old) != 1 || old[0].ID != "other" {
				t.Fatalf("unexpected expired threads: %+v", old)
			}
		})
	}
}

func TestMessagesAndThreadHardDelete(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			_ = s.CreateThread(ctx, domain.Thread{ID: "t1", UserID: "u1", ThreadName: "n", LastUpdated: now})

			msgs := []domain.ThreadMessage{
				{ID: "m2", ThreadID: "t1", UserID: "u1", Role: domain.RoleAssistant, Content: "hi there", Created: now.Add(time.Second),
					Context: &domain.MessageContext{FollowUpQuestions: []string{"next?"}}},
				{ID: "m1", ThreadID: "t1", UserID: "u1", Role: domain.RoleUser, Content: "hello", Created: now},
			}
			for _, m := range msgs {
				if err := s.AddMessage(ctx, m); err != nil {
					t.Fatalf("add message: %v", err)
				}
			}
			got, err := s.ListMessages(ctx, "u1", "t1")
			if err != nil {
				t.Fatalf("list messages: %v", err)
			}
			if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
				t.Fatalf("unexpected message order: %+v", got)
			}
			if got[1].Context == nil || len(got[1].Context.FollowUpQuestions) != 1 {
				t.Fatalf("expected context to round trip, got %+v", got[1].Context)
			}
			if got[0].Type != domain.TypeMessage {
				t.Fatalf("expected message type, got %q", got[0].Type)
			}

			if err := s.DeleteThread(ctx, "t1"); !errors.Is(err, ErrThreadHasMessages) {
				t.Fatalf("expected ErrThreadHasMessages, got %v", err)
			}
			n, err := s.DeleteMessages(ctx, "t1")
			if err != nil || n != 2 {
				t.Fatalf("delete messages: n=%d err=%v", n, err)
			}
			if err := s.DeleteThread(ctx, "t1"); err != nil {
				t.Fatalf("delete thread: %v", err)
			}
			if _, err := s.GetThread(ctx, "u1", "t1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected thread gone, got %v", err)
			}
		})
	}
}

func TestDocumentRegistry(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			docs := []domain.DocsPerThread{
				{ID: "d1", ThreadID: "t1", UserID: "u1", DocumentName: "a.pdf", FileSize: 10, UploadDate: now},
				{ID: "d2", ThreadID: "t1", UserID: "u1", DocumentName: "b.txt", FileSize: 20, UploadDate: now.Add(time.Second)},
				{ID: "d3", ThreadID: "t2", UserID: "u2", DocumentName: "c.txt", FileSize: 30, UploadDate: now.Add(2 * time.Second)},
			}
			for _, d := range docs {
				if err := s.SaveDocument(ctx, d); err != nil {
					t.Fatalf("save %s: %v", d.ID, err)
				}
			}

			list, err := s.ListDocumentsByThread(ctx, "u1", "t1")
			if err != nil || len(list) != 2 {
				t.Fatalf("list by thread: %+v err=%v", list, err)
			}
			if _, err := s.GetDocument(ctx, "u2", "d1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found for foreign user, got %v", err)
			}

			if err := s.MarkDocumentIndexed(ctx, "d1", true); err != nil {
				t.Fatalf("mark indexed: %v", err)
			}
			d1, err := s.GetDocument(ctx, "u1", "d1")
			if err != nil || !d1.AvailableInSearchIndex || !d1.ExtractAvailable {
				t.Fatalf("expected indexed flags, got %+v err=%v", d1, err)
			}

			if err := s.SoftDeleteDocument(ctx, "u1", "d2"); err != nil {
				t.Fatalf("soft delete: %v", err)
			}
			list, _ = s.ListDocumentsByThread(ctx, "u1", "t1")
			if len(list) != 1 || list[0].ID != "d1" {
				t.Fatalf("expected only d1 live, got %+v", list)
			}
			all, _ := s.ListAllDocumentsByThread(ctx, "t1")
			if len(all) != 2 {
				t.Fatalf("expected soft-deleted row to remain, got %d", len(all))
			}

			n, err := s.SoftDeleteDocumentsByThread(ctx, "t1")
			if err != nil || n != 1 {
				t.Fatalf("soft delete by thread: n=%d err=%v", n, err)
			}
			pending, _ := s.ListSoftDeletedDocuments(ctx, 10)
			if len(pending) != 2 {
				t.Fatalf("expected 2 soft-deleted docs, got %d", len(pending))
			}

			admin, _ := s.ListDocuments(ctx, ListFilter{IncludeDeleted: true})
			if len(admin) != 3 {
				t.Fatalf("expected 3 docs in admin listing, got %d", len(admin))
			}
			admin, _ = s.ListDocuments(ctx, ListFilter{UserID: "u2"})
			if len(admin) != 1 || admin[0].ID != "d3" {
				t.Fatalf("unexpected filtered listing: %+v", admin)
			}

			if err := s.DeleteDocument(ctx, "d1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.GetDocumentByID(ctx, "d1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected hard-deleted doc gone, got %v", err)
			}
			if err := s.DeleteDocument(ctx, "missing"); err != nil {
				t.Fatalf("deleting a missing doc should succeed, got %v", err)
			}
		})
	}
}
