package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docchat/pkg/domain"
)

// ErrNoExtract is returned when a document has no extract record yet.
var ErrNoExtract = errors.New("extract not available")

const deleteBatchSize = 500

// ChunkModel is one row of the search index.
type ChunkModel struct {
	ChunkID    string           `gorm:"primaryKey"`
	DocumentID string           `gorm:"not null;index"`
	ThreadID   string           `gorm:"not null;index"`
	UserID     string           `gorm:"not null;index"`
	FileName   string           `gorm:"not null"`
	Content    string           `gorm:"type:text;not null"`
	Extract    string           `gorm:"type:text"`
	IsExtract  bool             `gorm:"not null;default:false"`
	ChunkIndex int              `gorm:"not null"`
	Embedding  *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt  time.Time        `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "index_chunks" }

// PGVectorIndex implements Service on Postgres with pgvector and full-text search.
type PGVectorIndex struct {
	db           *gorm.DB
	embeddingDim int
}

// NewPGVectorIndex prepares the index table for vectors of embeddingDim.
func NewPGVectorIndex(db *gorm.DB, embeddingDim int) (*PGVectorIndex, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&ChunkModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf("ALTER TABLE index_chunks ALTER COLUMN embedding TYPE vector(%d)", embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter embedding type: %w", err)
		}
		if err := tx.Exec("CREATE INDEX IF NOT EXISTS idx_index_chunks_fts ON index_chunks USING GIN (to_tsvector('simple', content))").Error; err != nil {
			return fmt.Errorf("create fts index: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &PGVectorIndex{db: db, embeddingDim: embeddingDim}, nil
}

type chunkHit struct {
	ChunkModel
	Distance float64
	Rank     float64
}

// Search runs a thread-filtered vector search, fused with full-text ranking when q.Hybrid.
func (p *PGVectorIndex) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.TopK <= 0 {
		return []Result{}, nil
	}
	var rankings [][]Result
	if len(q.Vector) > 0 {
		vec, err := p.vectorSearch(ctx, q)
		if err != nil {
			return nil, err
		}
		if !q.Hybrid {
			return vec, nil
		}
		rankings = append(rankings, vec)
	}
	if strings.TrimSpace(q.Text) != "" && (q.Hybrid || len(q.Vector) == 0) {
		kw, err := p.keywordSearch(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(rankings) == 0 {
			return kw, nil
		}
		rankings = append(rankings, kw)
	}
	return FuseRRF(q.TopK, rankings...), nil
}

func (p *PGVectorIndex) scope(ctx context.Context, q Query) *gorm.DB {
	tx := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Where("thread_id = ? AND is_extract = ?", q.ThreadID, false)
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	return tx
}

func (p *PGVectorIndex) vectorSearch(ctx context.Context, q Query) ([]Result, error) {
	if err := p.validateDim(q.Vector); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(q.Vector)
	var hits []chunkHit
	if err := p.scope(ctx, q).
		Select("index_chunks.*, embedding <=> ? AS distance", vec).
		Where("embedding IS NOT NULL").
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(q.TopK).
		Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitToResult(h, 1-h.Distance))
	}
	return out, nil
}

func (p *PGVectorIndex) keywordSearch(ctx context.Context, q Query) ([]Result, error) {
	var hits []chunkHit
	if err := p.scope(ctx, q).
		Select("index_chunks.*, ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', ?)) AS rank", q.Text).
		Where("to_tsvector('simple', content) @@ plainto_tsquery('simple', ?)", q.Text).
		Order("rank DESC").
		Limit(q.TopK).
		Scan(&hits).Error; err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, hitToResult(h, h.Rank))
	}
	return out, nil
}

// Index upserts chunk and extract records.
func (p *PGVectorIndex) Index(ctx context.Context, docs []domain.IndexDoc) error {
	if len(docs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]ChunkModel, 0, len(docs))
	for _, d := range docs {
		m := ChunkModel{
			ChunkID:    d.ChunkID,
			DocumentID: d.DocumentID,
			ThreadID:   d.ThreadID,
			UserID:     d.UserID,
			FileName:   d.FileName,
			Content:    d.Content,
			Extract:    d.Extract,
			IsExtract:  d.IsExtract,
			ChunkIndex: d.ChunkIndex,
			CreatedAt:  now,
		}
		if len(d.ContentVector) > 0 {
			if err := p.validateDim(d.ContentVector); err != nil {
				return err
			}
			vec := pgvector.NewVector(d.ContentVector)
			m.Embedding = &vec
		}
		models = append(models, m)
	}
	return p.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(&models, 200).Error
}

// IsChunkingComplete counts chunks and reports whether an extract exists.
func (p *PGVectorIndex) IsChunkingComplete(ctx context.Context, documentID string) (ChunkStatus, error) {
	var chunks, extracts int64
	if err := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Where("document_id = ? AND is_extract = ?", documentID, false).
		Count(&chunks).Error; err != nil {
		return ChunkStatus{}, err
	}
	if err := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Where("document_id = ? AND is_extract = ?", documentID, true).
		Count(&extracts).Error; err != nil {
		return ChunkStatus{}, err
	}
	return ChunkStatus{Chunks: int(chunks), ExtractAvailable: extracts > 0}, nil
}

// ChunkIDs lists every index record id of a document, extract included.
func (p *PGVectorIndex) ChunkIDs(ctx context.Context, documentID string) ([]string, error) {
	var ids []string
	err := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Pluck("chunk_id", &ids).Error
	return ids, err
}

// Chunks returns the content chunks of a document in order.
func (p *PGVectorIndex) Chunks(ctx context.Context, documentID string) ([]domain.IndexDoc, error) {
	var models []ChunkModel
	if err := p.db.WithContext(ctx).
		Where("document_id = ? AND is_extract = ?", documentID, false).
		Order("chunk_index ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.IndexDoc, 0, len(models))
	for _, m := range models {
		out = append(out, domain.IndexDoc{
			ChunkID:    m.ChunkID,
			DocumentID: m.DocumentID,
			ThreadID:   m.ThreadID,
			UserID:     m.UserID,
			FileName:   m.FileName,
			Content:    m.Content,
			ChunkIndex: m.ChunkIndex,
		})
	}
	return out, nil
}

// Extract returns the stored summary of a document.
func (p *PGVectorIndex) Extract(ctx context.Context, documentID string) (string, error) {
	var m ChunkModel
	err := p.db.WithContext(ctx).
		Where("document_id = ? AND is_extract = ?", documentID, true).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNoExtract
	}
	if err != nil {
		return "", err
	}
	return m.Extract, nil
}

// DeleteDocument removes all records of a document in batches and returns the count.
func (p *PGVectorIndex) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	total := 0
	for {
		var ids []string
		if err := p.db.WithContext(ctx).Model(&ChunkModel{}).
			Where("document_id = ?", documentID).
			Limit(deleteBatchSize).
			Pluck("chunk_id", &ids).Error; err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		res := p.db.WithContext(ctx).Where("chunk_id IN ?", ids).Delete(&ChunkModel{})
		if res.Error != nil {
			return total, res.Error
		}
		total += int(res.RowsAffected)
		if len(ids) < deleteBatchSize {
			return total, nil
		}
	}
}

// Check verifies the index table is reachable.
func (p *PGVectorIndex) Check(ctx context.Context) error {
	var n int64
	return p.db.WithContext(ctx).Model(&ChunkModel{}).Limit(1).Count(&n).Error
}

func (p *PGVectorIndex) validateDim(v []float32) error {
	if len(v) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if p.embeddingDim > 0 && len(v) != p.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), p.embeddingDim)
	}
	return nil
}

func hitToResult(h chunkHit, score float64) Result {
	return Result{
		ChunkID:    h.ChunkID,
		DocumentID: h.DocumentID,
		FileName:   h.FileName,
		Content:    h.Content,
		Score:      score,
	}
}
