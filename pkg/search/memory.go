package search

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"docchat/pkg/domain"
)

// MemoryIndex is an in-process Service for tests and local development.
// Keyword relevance is term overlap; vector relevance is cosine similarity.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]domain.IndexDoc // key: chunk ID
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]domain.IndexDoc)}
}

func (m *MemoryIndex) Search(_ context.Context, q Query) ([]Result, error) {
	if q.TopK <= 0 {
		return []Result{}, nil
	}
	m.mu.RLock()
	var candidates []domain.IndexDoc
	for _, d := range m.docs {
		if d.IsExtract || d.ThreadID != q.ThreadID {
			continue
		}
		if q.UserID != "" && d.UserID != q.UserID {
			continue
		}
		candidates = append(candidates, d)
	}
	m.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ChunkID < candidates[j].ChunkID })

	var vec, kw []Result
	if len(q.Vector) > 0 {
		for _, d := range candidates {
			if len(d.ContentVector) == len(q.Vector) {
				vec = append(vec, docResult(d, cosine(d.ContentVector, q.Vector)))
			}
		}
		sortByScore(vec)
	}
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) > 0 && (q.Hybrid || len(q.Vector) == 0) {
		for _, d := range candidates {
			if s := termOverlap(d.Content, terms); s > 0 {
				kw = append(kw, docResult(d, s))
			}
		}
		sortByScore(kw)
	}
	switch {
	case q.Hybrid && len(q.Vector) > 0:
		return FuseRRF(q.TopK, vec, kw), nil
	case len(q.Vector) > 0:
		return truncate(vec, q.TopK), nil
	default:
		return truncate(kw, q.TopK), nil
	}
}

func (m *MemoryIndex) Index(_ context.Context, docs []domain.IndexDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		m.docs[d.ChunkID] = d
	}
	return nil
}

func (m *MemoryIndex) IsChunkingComplete(_ context.Context, documentID string) (ChunkStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st ChunkStatus
	for _, d := range m.docs {
		if d.DocumentID != documentID {
			continue
		}
		if d.IsExtract {
			st.ExtractAvailable = true
		} else {
			st.Chunks++
		}
	}
	return st, nil
}

func (m *MemoryIndex) ChunkIDs(_ context.Context, documentID string) ([]string, error) {
	docs := m.byDocument(documentID, true)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ChunkID)
	}
	return ids, nil
}

func (m *MemoryIndex) Chunks(_ context.Context, documentID string) ([]domain.IndexDoc, error) {
	return m.byDocument(documentID, false), nil
}

func (m *MemoryIndex) Extract(_ context.Context, documentID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.docs {
		if d.DocumentID == documentID && d.IsExtract {
			return d.Extract, nil
		}
	}
	return "", ErrNoExtract
}

func (m *MemoryIndex) DeleteDocument(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.docs {
		if d.DocumentID == documentID {
			delete(m.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) Check(context.Context) error { return nil }

func (m *MemoryIndex) byDocument(documentID string, withExtract bool) []domain.IndexDoc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.IndexDoc
	for _, d := range m.docs {
		if d.DocumentID == documentID && (withExtract || !d.IsExtract) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}

func docResult(d domain.IndexDoc, score float64) Result {
	return Result{ChunkID: d.ChunkID, DocumentID: d.DocumentID, FileName: d.FileName, Content: d.Content, Score: score}
}

func termOverlap(content string, terms []string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func sortByScore(rs []Result) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Score > rs[j].Score })
}

func truncate(rs []Result, n int) []Result {
	if rs == nil {
		return []Result{}
	}
	if len(rs) > n {
		return rs[:n]
	}
	return rs
}
