package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docchat/pkg/domain"
)

// newSQLiteIndex runs PGVectorIndex over SQLite. Only the statements that
// avoid pgvector operators and Postgres full-text are exercised here.
func newSQLiteIndex(t *testing.T, dim int) *PGVectorIndex {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "index.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChunkModel{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return &PGVectorIndex{db: db, embeddingDim: dim}
}

func chunksFor(documentID string, n, dim int) []domain.IndexDoc {
	out := make([]domain.IndexDoc, 0, n)
	for i := 0; i < n; i++ {
		d := domain.IndexDoc{
			ChunkID:    fmt.Sprintf("%s_%04d", documentID, i),
			DocumentID: documentID,
			ThreadID:   "thread-1",
			UserID:     "user-1",
			FileName:   "notes.txt",
			Content:    fmt.Sprintf("chunk %d", i),
			ChunkIndex: i,
		}
		if dim > 0 {
			d.ContentVector = make([]float32, dim)
			d.ContentVector[i%dim] = 1
		}
		out = append(out, d)
	}
	return out
}

func TestPGVectorIndexRejectsMismatchedDimension(t *testing.T) {
	idx := newSQLiteIndex(t, 3)
	ctx := context.Background()

	bad := chunksFor("doc-1", 1, 4)
	if err := idx.Index(ctx, bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch on index, got %v", err)
	}
	if ids, _ := idx.ChunkIDs(ctx, "doc-1"); len(ids) != 0 {
		t.Fatalf("rejected batch must not be stored, got %v", ids)
	}
	_, err := idx.Search(ctx, Query{Vector: []float32{1, 0}, ThreadID: "thread-1", TopK: 3})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected dimension mismatch on search, got %v", err)
	}
	if res, err := idx.Search(ctx, Query{Vector: []float32{1, 0, 0}, TopK: 0}); err != nil || len(res) != 0 {
		t.Fatalf("zero topK returns nothing, got %v %v", res, err)
	}
}

func TestPGVectorIndexCountsExtractApartFromChunks(t *testing.T) {
	idx := newSQLiteIndex(t, 3)
	ctx := context.Background()

	docs := chunksFor("doc-1", 3, 3)
	docs = append(docs, domain.IndexDoc{
		ChunkID:    "doc-1_extract",
		DocumentID: "doc-1",
		ThreadID:   "thread-1",
		UserID:     "user-1",
		FileName:   "notes.txt",
		Content:    "summary",
		Extract:    "summary",
		IsExtract:  true,
		ChunkIndex: 3,
	})
	if err := idx.Index(ctx, docs); err != nil {
		t.Fatalf("index: %v", err)
	}
	// Re-indexing the same ids upserts instead of duplicating.
	if err := idx.Index(ctx, docs[:1]); err != nil {
		t.Fatalf("re-index: %v", err)
	}

	st, err := idx.IsChunkingComplete(ctx, "doc-1")
	if err != nil {
		t.Fatalf("chunking status: %v", err)
	}
	if st.Chunks != 3 || !st.ExtractAvailable {
		t.Fatalf("expected 3 chunks plus extract, got %+v", st)
	}
	chunks, err := idx.Chunks(ctx, "doc-1")
	if err != nil || len(chunks) != 3 || chunks[0].ChunkIndex != 0 {
		t.Fatalf("unexpected chunks %+v err=%v", chunks, err)
	}
	if got, err := idx.Extract(ctx, "doc-1"); err != nil || got != "summary" {
		t.Fatalf("unexpected extract %q err=%v", got, err)
	}
	if _, err := idx.Extract(ctx, "doc-2"); !errors.Is(err, ErrNoExtract) {
		t.Fatalf("expected ErrNoExtract, got %v", err)
	}
	if st, _ := idx.IsChunkingComplete(ctx, "doc-2"); st.Chunks != 0 || st.ExtractAvailable {
		t.Fatalf("unknown document should be empty, got %+v", st)
	}
}

func TestPGVectorIndexStoresChunksWithoutVectors(t *testing.T) {
	idx := newSQLiteIndex(t, 3)
	ctx := context.Background()
	if err := idx.Index(ctx, chunksFor("doc-1", 2, 0)); err != nil {
		t.Fatalf("index without vectors: %v", err)
	}
	var nulls int64
	if err := idx.db.Model(&ChunkModel{}).Where("embedding IS NULL").Count(&nulls).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if nulls != 2 {
		t.Fatalf("expected 2 rows without embedding, got %d", nulls)
	}
}

func TestPGVectorIndexDeletesPastOneBatch(t *testing.T) {
	idx := newSQLiteIndex(t, 3)
	ctx := context.Background()

	big := chunksFor("doc-big", 2*deleteBatchSize+3, 3)
	big = append(big, domain.IndexDoc{
		ChunkID: "doc-big_extract", DocumentID: "doc-big", ThreadID: "thread-1", UserID: "user-1",
		FileName: "big.txt", Content: "s", Extract: "s", IsExtract: true,
	})
	if err := idx.Index(ctx, big); err != nil {
		t.Fatalf("index big: %v", err)
	}
	if err := idx.Index(ctx, chunksFor("doc-other", 2, 3)); err != nil {
		t.Fatalf("index other: %v", err)
	}

	n, err := idx.DeleteDocument(ctx, "doc-big")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != len(big) {
		t.Fatalf("expected %d deleted, got %d", len(big), n)
	}
	if ids, _ := idx.ChunkIDs(ctx, "doc-big"); len(ids) != 0 {
		t.Fatalf("expected no records left, got %d", len(ids))
	}
	if ids, _ := idx.ChunkIDs(ctx, "doc-other"); len(ids) != 2 {
		t.Fatalf("other document must be untouched, got %v", ids)
	}

	// An exact multiple of the batch size ends on an empty page.
	if err := idx.Index(ctx, chunksFor("doc-even", deleteBatchSize, 3)); err != nil {
		t.Fatalf("index even: %v", err)
	}
	if n, err := idx.DeleteDocument(ctx, "doc-even"); err != nil || n != deleteBatchSize {
		t.Fatalf("expected %d deleted, got %d err=%v", deleteBatchSize, n, err)
	}
	if n, err := idx.DeleteDocument(ctx, "doc-even"); err != nil || n != 0 {
		t.Fatalf("second delete should be a no-op, got %d err=%v", n, err)
	}
	if err := idx.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
}
