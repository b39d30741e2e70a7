package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"docchat/pkg/ai"
	"docchat/pkg/domain"
	"docchat/pkg/queue"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

const (
	defaultChunkSize    = 1200
	defaultChunkOverlap = 200
	maxExtractInput     = 12000
)

const extractPrompt = "Summarize the following document in at most five sentences. " +
	"Mention its subject, its key facts and anything a reader would search for. Reply with the summary only."

// Config wires the pipeline's collaborators.
type Config struct {
	Registry  store.DocumentRegistry
	Documents storage.DocumentStore
	Index     search.Service
	// Embedder is optional. Without it chunks are indexed with no vector
	// and retrieval falls back to keyword ranking.
	Embedder ai.Embedder
	// Completer produces document extracts. Nil disables the extract step.
	Completer ai.ChatCompleter

	ChunkSize        int
	ChunkOverlap     int
	EmbedBatchSize   int
	EmbedConcurrency int
	EmbeddingDim     int
}

// Pipeline turns an uploaded document into search index records:
// extract text, partition, embed, index, then mark the registry record.
type Pipeline struct {
	registry  store.DocumentRegistry
	documents storage.DocumentStore
	index     search.Service
	embedder  ai.Embedder
	completer ai.ChatCompleter

	chunkSize        int
	chunkOverlap     int
	embedBatchSize   int
	embedConcurrency int
	embedDim         int
}

// NewPipeline validates cfg and applies defaults.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil || cfg.Index == nil {
		return nil, fmt.Errorf("registry and index are required")
	}
	p := &Pipeline{
		registry:         cfg.Registry,
		documents:        cfg.Documents,
		index:            cfg.Index,
		embedder:         cfg.Embedder,
		completer:        cfg.Completer,
		chunkSize:        cfg.ChunkSize,
		chunkOverlap:     cfg.ChunkOverlap,
		embedBatchSize:   cfg.EmbedBatchSize,
		embedConcurrency: cfg.EmbedConcurrency,
		embedDim:         cfg.EmbeddingDim,
	}
	if p.chunkSize <= 0 {
		p.chunkSize = defaultChunkSize
	}
	if p.chunkOverlap < 0 || p.chunkOverlap >= p.chunkSize {
		p.chunkOverlap = defaultChunkOverlap
	}
	if p.embedBatchSize <= 0 {
		p.embedBatchSize = 16
	}
	if p.embedConcurrency <= 0 {
		p.embedConcurrency = 2
	}
	return p, nil
}

// Handler adapts Process to a queue worker.
func (p *Pipeline) Handler() queue.Handler {
	return p.Process
}

// Process ingests one document job. Documents deleted before or during
// processing are skipped without error.
func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	logger := slog.Default().With("component", "ingest", "document_id", job.DocumentID, "thread_id", job.ThreadID)

	doc, live, err := p.liveDocument(ctx, job.DocumentID)
	if err != nil {
		return err
	}
	if !live {
		logger.Info("document deleted before ingestion, skipping")
		return nil
	}

	data := job.Data
	if data == nil {
		if data, err = p.readBinary(ctx, doc); err != nil {
			return err
		}
	}
	fileName := job.FileName
	if fileName == "" {
		fileName = doc.DocumentName
	}
	text, err := ExtractText(fileName, job.ContentType, data)
	if err != nil {
		return fmt.Errorf("extract %s: %w", fileName, err)
	}
	parts := chunkText(text, p.chunkSize, p.chunkOverlap)

	vectors, err := p.embed(ctx, parts)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}

	records := make([]domain.IndexDoc, 0, len(parts)+1)
	for i, part := range parts {
		records = append(records, domain.IndexDoc{
			ChunkID:       fmt.Sprintf("%s_%04d", doc.ID, i),
			DocumentID:    doc.ID,
			ThreadID:      doc.ThreadID,
			UserID:        doc.UserID,
			FileName:      doc.DocumentName,
			Content:       part,
			ContentVector: vectors[i],
			ChunkIndex:    i,
		})
	}

	extractAvailable := false
	if p.completer != nil {
		summary, err := p.extract(ctx, text)
		if err != nil {
			logger.Warn("document extract failed", "err", err)
		} else if summary != "" {
			records = append(records, domain.IndexDoc{
				ChunkID:    doc.ID + "_extract",
				DocumentID: doc.ID,
				ThreadID:   doc.ThreadID,
				UserID:     doc.UserID,
				FileName:   doc.DocumentName,
				Content:    summary,
				Extract:    summary,
				IsExtract:  true,
				ChunkIndex: len(parts),
			})
			extractAvailable = true
		}
	}

	if _, live, err = p.liveDocument(ctx, job.DocumentID); err != nil {
		return err
	} else if !live {
		logger.Info("document deleted during ingestion, skipping index")
		return nil
	}
	if err := p.index.Index(ctx, records); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	// The document may have been deleted while chunks were written.
	// A removed registry row leaves nothing to find them, so drop them here.
	if _, live, err = p.liveDocument(ctx, job.DocumentID); err != nil {
		return err
	} else if !live {
		if _, err := p.index.DeleteDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("drop orphaned chunks: %w", err)
		}
		logger.Info("document deleted while indexing, chunks removed")
		return nil
	}
	if err := p.registry.MarkDocumentIndexed(ctx, doc.ID, extractAvailable); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	logger.Info("document indexed", "chunks", len(parts), "extract", extractAvailable)
	return nil
}

func (p *Pipeline) liveDocument(ctx context.Context, id string) (domain.DocsPerThread, bool, error) {
	doc, err := p.registry.GetDocumentByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.DocsPerThread{}, false, nil
	}
	if err != nil {
		return domain.DocsPerThread{}, false, fmt.Errorf("load document: %w", err)
	}
	return doc, !doc.Deleted, nil
}

func (p *Pipeline) readBinary(ctx context.Context, doc domain.DocsPerThread) ([]byte, error) {
	if p.documents == nil {
		return nil, fmt.Errorf("document store not configured")
	}
	rc, err := p.documents.Get(ctx, storage.StoredObject{Key: doc.StorageKey, Folder: doc.Folder})
	if err != nil {
		return nil, fmt.Errorf("read document binary: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read document binary: %w", err)
	}
	return data, nil
}

// embed runs batches concurrently and returns vectors aligned with parts.
// Without an embedder every vector is nil.
func (p *Pipeline) embed(ctx context.Context, parts []string) ([][]float32, error) {
	out := make([][]float32, len(parts))
	if p.embedder == nil {
		return out, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.embedConcurrency)
	for start := 0; start < len(parts); start += p.embedBatchSize {
		end := start + p.embedBatchSize
		if end > len(parts) {
			end = len(parts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := p.embedBatch(gctx, parts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32
	if embedder, ok := p.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		out, err := embedder.EmbedTexts(ctx, texts, ai.TaskRetrievalDocument)
		if err != nil {
			return nil, err
		}
		embeddings = out
	} else {
		embeddings = make([][]float32, 0, len(texts))
		for _, text := range texts {
			embedding, err := p.embedder.EmbedText(ctx, text, ai.TaskRetrievalDocument)
			if err != nil {
				return nil, err
			}
			embeddings = append(embeddings, embedding)
		}
	}
	if len(embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(texts))
	}
	for _, e := range embeddings {
		if p.embedDim > 0 && len(e) != p.embedDim {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(e), p.embedDim)
		}
	}
	return embeddings, nil
}

func (p *Pipeline) extract(ctx context.Context, text string) (string, error) {
	runes := []rune(text)
	if len(runes) > maxExtractInput {
		text = string(runes[:maxExtractInput])
	}
	out, err := p.completer.Complete(ctx, []ai.ChatMessage{
		{Role: string(domain.RoleSystem), Content: extractPrompt},
		{Role: string(domain.RoleUser), Content: text},
	}, ai.CompletionOptions{MaxTokens: 300})
	if err != nil {
		return "", err
	}
	return out.Content, nil
}
