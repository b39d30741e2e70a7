package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/queue"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
	// onEmbed runs before each embedding call.
	onEmbed func()
}

func (f *fakeEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	hook := f.onEmbed
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.fail != nil {
		return nil, f.fail
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f fakeCompleter) Complete(context.Context, []ai.ChatMessage, ai.CompletionOptions) (ai.Completion, error) {
	if f.err != nil {
		return ai.Completion{}, f.err
	}
	return ai.Completion{Content: f.reply}, nil
}

func (f fakeCompleter) Stream(ctx context.Context, msgs []ai.ChatMessage, opts ai.CompletionOptions, _ ai.DeltaFunc) (ai.Completion, error) {
	return f.Complete(ctx, msgs, opts)
}

func TestChunkTextWindows(t *testing.T) {
	text := "abcdefghijklmnopqrstuvwxy"
	chunks := chunkText(text, 10, 3)
	want := []string{"abcdefghij", "hijklmnopq", "opqrstuvwx", "vwxy"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
	if chunkText("", 10, 2) != nil {
		t.Fatal("expected nil for empty text")
	}
	if got := chunkText("short", 10, 2); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected single chunk %v", got)
	}
}

func TestChunkTextCountsRunes(t *testing.T) {
	text := strings.Repeat("é", 12)
	chunks := chunkText(text, 6, 0)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) != 6 {
			t.Fatalf("expected 6 runes per chunk, got %q", c)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	got := normalizeText("\uFEFF  hello\x00\n\n  world\t ")
	if got != "hello world" {
		t.Fatalf("unexpected normalized text %q", got)
	}
}

func TestExtractTextHTMLSkipsScripts(t *testing.T) {
	page := []byte(`<html><head><title>t</title><script>var x=1</script></head><body><p>Quarterly</p><p>revenue grew</p></body></html>`)
	text, err := ExtractText("report.html", "", page)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "Quarterly revenue grew" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractTextDOCX(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	_, _ = w.Write([]byte(`<w:document><w:body><w:p><w:r><w:t>First line</w:t></w:r></w:p><w:p><w:r><w:t>Second</w:t></w:r></w:p></w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	text, err := ExtractText("memo.docx", "", buf.Bytes())
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "First line Second" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractTextErrors(t *testing.T) {
	if _, err := ExtractText("empty.txt", "text/plain", []byte("   \n")); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if _, err := ExtractText("blob.bin", "application/octet-stream", []byte{0xff, 0x00, 0xfe}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

type pipelineFixture struct {
	store    *store.MemoryStore
	index    *search.MemoryIndex
	docs     *storage.ContainerStore
	embedder *fakeEmbedder
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	docs, err := storage.NewContainerStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("container store: %v", err)
	}
	return &pipelineFixture{
		store:    store.NewMemoryStore(),
		index:    search.NewMemoryIndex(),
		docs:     docs,
		embedder: &fakeEmbedder{},
	}
}

func (f *pipelineFixture) pipeline(t *testing.T, completer ai.ChatCompleter) *Pipeline {
	t.Helper()
	p, err := NewPipeline(Config{
		Registry:       f.store,
		Documents:      f.docs,
		Index:          f.index,
		Embedder:       f.embedder,
		Completer:      completer,
		ChunkSize:      40,
		ChunkOverlap:   10,
		EmbedBatchSize: 2,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func (f *pipelineFixture) upload(t *testing.T, id, content string) domain.DocsPerThread {
	t.Helper()
	ctx := context.Background()
	ref := storage.ObjectRef{ThreadID: "thread-1", DocumentID: id, FileName: "notes.txt"}
	obj, err := f.docs.Put(ctx, ref, strings.NewReader(content), int64(len(content)), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	doc := domain.DocsPerThread{
		ID:           id,
		ThreadID:     "thread-1",
		UserID:       "user-1",
		DocumentName: "notes.txt",
		Folder:       obj.Folder,
		StorageKey:   obj.Key,
		ContentType:  "text/plain",
		FileSize:     int64(len(content)),
		UploadDate:   time.Now().UTC(),
	}
	if err := f.store.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("save document: %v", err)
	}
	return doc
}

func TestPipelineIndexesDocumentFromStore(t *testing.T) {
	f := newFixture(t)
	content := strings.Repeat("The harbour bridge opened in 1932. ", 4)
	f.upload(t, "doc-1", content)

	p := f.pipeline(t, fakeCompleter{reply: "A note about the harbour bridge."})
	if err := p.Handler()(context.Background(), queue.Job{DocumentID: "doc-1", ThreadID: "thread-1", ContentType: "text/plain"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	chunks, _ := f.index.Chunks(context.Background(), "doc-1")
	want := len(chunkText(normalizeText(content), 40, 10))
	if len(chunks) != want || want == 0 {
		t.Fatalf("expected %d chunks, got %d", want, len(chunks))
	}
	for _, c := range chunks {
		if c.UserID != "user-1" || c.ThreadID != "thread-1" || len(c.ContentVector) != 3 {
			t.Fatalf("unexpected chunk %+v", c)
		}
	}
	extract, err := f.index.Extract(context.Background(), "doc-1")
	if err != nil || extract != "A note about the harbour bridge." {
		t.Fatalf("unexpected extract %q err=%v", extract, err)
	}
	doc, _ := f.store.GetDocumentByID(context.Background(), "doc-1")
	if !doc.AvailableInSearchIndex || !doc.ExtractAvailable {
		t.Fatalf("expected document marked indexed with extract, got %+v", doc)
	}
}

func TestPipelineExtractFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-2", "short text body")
	p := f.pipeline(t, fakeCompleter{err: errors.New("model offline")})

	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-2", Data: []byte("short text body"), FileName: "notes.txt"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	doc, _ := f.store.GetDocumentByID(context.Background(), "doc-2")
	if !doc.AvailableInSearchIndex || doc.ExtractAvailable {
		t.Fatalf("expected indexed without extract, got %+v", doc)
	}
}

func TestPipelineSkipsDeletedDocuments(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-3", "content that will never be indexed")
	if err := f.store.SoftDeleteDocument(context.Background(), "user-1", "doc-3"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	p := f.pipeline(t, nil)
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-3"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if f.embedder.calls != 0 {
		t.Fatalf("expected no embedding for deleted document, got %d calls", f.embedder.calls)
	}
	if err := p.Process(context.Background(), queue.Job{DocumentID: "missing"}); err != nil {
		t.Fatalf("missing document should be skipped, got %v", err)
	}
}

func TestPipelineSkipsDocumentDeletedDuringEmbedding(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-4", "some words to embed")
	var once sync.Once
	f.embedder.onEmbed = func() {
		once.Do(func() {
			_ = f.store.SoftDeleteDocument(context.Background(), "user-1", "doc-4")
		})
	}
	p := f.pipeline(t, nil)
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-4"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st, _ := f.index.IsChunkingComplete(context.Background(), "doc-4"); st.Chunks != 0 {
		t.Fatalf("expected no chunks indexed, got %d", st.Chunks)
	}
}

func TestPipelineEmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-5", "text")
	f.embedder.fail = errors.New("embedding backend down")
	p := f.pipeline(t, nil)
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-5"}); err == nil {
		t.Fatal("expected embedding error")
	}
	doc, _ := f.store.GetDocumentByID(context.Background(), "doc-5")
	if doc.AvailableInSearchIndex {
		t.Fatal("document must not be marked indexed after failure")
	}
}

func TestPipelineIndexesWithoutEmbedder(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-6", "The lighthouse keeper logs every storm.")
	p, err := NewPipeline(Config{Registry: f.store, Documents: f.docs, Index: f.index})
	if err != nil {
		t.Fatalf("new pipeline without embedder: %v", err)
	}
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-6"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	chunks, _ := f.index.Chunks(context.Background(), "doc-6")
	if len(chunks) != 1 || chunks[0].ContentVector != nil {
		t.Fatalf("expected one chunk without vector, got %+v", chunks)
	}
	results, err := f.index.Search(context.Background(), search.Query{Text: "storm", ThreadID: "thread-1", TopK: 3})
	if err != nil || len(results) != 1 {
		t.Fatalf("expected keyword hit, got %v err=%v", results, err)
	}
	if _, err := NewPipeline(Config{Index: f.index}); err == nil {
		t.Fatal("expected registry to be required")
	}
}

type hookCompleter struct {
	before func()
}

func (h hookCompleter) Complete(context.Context, []ai.ChatMessage, ai.CompletionOptions) (ai.Completion, error) {
	h.before()
	return ai.Completion{Content: "summary"}, nil
}

func (h hookCompleter) Stream(ctx context.Context, msgs []ai.ChatMessage, opts ai.CompletionOptions, _ ai.DeltaFunc) (ai.Completion, error) {
	return h.Complete(ctx, msgs, opts)
}

func TestPipelineSkipsDocumentRemovedDuringExtract(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-7", "words that get summarised")
	p := f.pipeline(t, hookCompleter{before: func() {
		_ = f.store.DeleteDocument(context.Background(), "doc-7")
	}})
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-7"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if st, _ := f.index.IsChunkingComplete(context.Background(), "doc-7"); st.Chunks != 0 || st.ExtractAvailable {
		t.Fatalf("expected nothing indexed, got %+v", st)
	}
}

// removingIndex hard-deletes the registry row while chunks are written.
type removingIndex struct {
	*search.MemoryIndex
	registry *store.MemoryStore
}

func (r removingIndex) Index(ctx context.Context, docs []domain.IndexDoc) error {
	if err := r.MemoryIndex.Index(ctx, docs); err != nil {
		return err
	}
	for _, d := range docs {
		_ = r.registry.DeleteDocument(ctx, d.DocumentID)
	}
	return nil
}

func TestPipelineDropsChunksOfDocumentRemovedDuringIndex(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc-8", "chunks that would be orphaned")
	p, err := NewPipeline(Config{
		Registry:  f.store,
		Documents: f.docs,
		Index:     removingIndex{MemoryIndex: f.index, registry: f.store},
		Embedder:  f.embedder,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Process(context.Background(), queue.Job{DocumentID: "doc-8"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if ids, _ := f.index.ChunkIDs(context.Background(), "doc-8"); len(ids) != 0 {
		t.Fatalf("expected orphaned chunks removed, got %v", ids)
	}
}
