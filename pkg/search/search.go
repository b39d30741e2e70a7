package search

import (
	"context"
	"errors"
	"sort"

	"docchat/pkg/domain"
)

// ErrDimensionMismatch is returned when a vector does not match the index dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Query describes a retrieval request scoped to one thread.
type Query struct {
	Text     string
	Vector   []float32
	ThreadID string
	UserID   string
	TopK     int
	// Hybrid fuses keyword and vector rankings.
	Hybrid bool
}

// Result is one retrieved chunk.
type Result struct {
	ChunkID    string  `json:"chunkId"`
	DocumentID string  `json:"documentId"`
	FileName   string  `json:"fileName"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
}

// ChunkStatus reports ingestion progress for one document.
type ChunkStatus struct {
	Chunks           int  `json:"chunks"`
	ExtractAvailable bool `json:"extractAvailable"`
}

// Service is the search index used for retrieval and cleanup.
type Service interface {
	Search(ctx context.Context, q Query) ([]Result, error)
	Index(ctx context.Context, docs []domain.IndexDoc) error
	IsChunkingComplete(ctx context.Context, documentID string) (ChunkStatus, error)
	ChunkIDs(ctx context.Context, documentID string) ([]string, error)
	Chunks(ctx context.Context, documentID string) ([]domain.IndexDoc, error)
	Extract(ctx context.Context, documentID string) (string, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	Check(ctx context.Context) error
}

const rrfK = 60

// FuseRRF merges rankings by reciprocal-rank fusion: score = sum 1/(k+rank).
func FuseRRF(limit int, rankings ...[]Result) []Result {
	scores := make(map[string]float64)
	first := make(map[string]Result)
	for _, ranking := range rankings {
		for i, r := range ranking {
			scores[r.ChunkID] += 1.0 / float64(rrfK+i+1)
			if _, ok := first[r.ChunkID]; !ok {
				first[r.ChunkID] = r
			}
		}
	}
	out := make([]Result, 0, len(scores))
	for id, score := range scores {
		r := first[id]
		r.Score = score
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
