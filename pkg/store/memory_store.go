package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"docchat/pkg/domain"
)

// MemoryStore keeps threads, messages and documents in-process.
// Suitable for tests and single-node development.
type MemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]domain.Thread
	messages map[string][]domain.ThreadMessage // key: thread ID
	docs     map[string]domain.DocsPerThread
	orders   []string // document insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:  make(map[string]domain.Thread),
		messages: make(map[string][]domain.ThreadMessage),
		docs:     make(map[string]domain.DocsPerThread),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) CreateThread(_ context.Context, t domain.Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Type = domain.TypeThread
	m.threads[t.ID] = t
	return nil
}

func (m *MemoryStore) GetThread(_ context.Context, userID, id string) (domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID || t.Deleted {
		return domain.Thread{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) ListThreads(_ context.Context, userID string) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if t.UserID == userID && !t.Deleted {
			res = append(res, t)
		}
	}
	sortThreadsDesc(res)
	return res, nil
}

func (m *MemoryStore) ListAllThreads(_ context.Context, filter ListFilter) ([]domain.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if filter.UserID != "" && t.UserID != filter.UserID {
			continue
		}
		if t.Deleted && !filter.IncludeDeleted {
			continue
		}
		res = append(res, t)
	}
	sortThreadsDesc(res)
	if len(res) > filter.limit() {
		res = res[:filter.limit()]
	}
	return res, nil
}

func (m *MemoryStore) RenameThread(_ context.Context, userID, id, name string) (domain.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID || t.Deleted {
		return domain.Thread{}, ErrNotFound
	}
	t.ThreadName = name
	t.LastUpdated = time.Now().UTC()
	m.threads[id] = t
	return t, nil
}

func (m *MemoryStore) TouchThread(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[id]; ok {
		t.LastUpdated = at.UTC()
		m.threads[id] = t
	}
	return nil
}

func (m *MemoryStore) SoftDeleteThread(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok || t.UserID != userID || t.Deleted {
		return ErrNotFound
	}
	t.Deleted = true
	m.threads[id] = t
	return nil
}

func (m *MemoryStore) ListSoftDeletedThreads(_ context.Context, limit int) ([]domain.Thread, error) {
	return m.filterThreads(limit, func(t domain.Thread) bool { return t.Deleted }), nil
}

func (m *MemoryStore) ListThreadsOlderThan(_ context.Context, cutoff time.Time, limit int) ([]domain.Thread, error) {
	return m.filterThreads(limit, func(t domain.Thread) bool {
		return !t.Deleted && t.LastUpdated.Before(cutoff)
	}), nil
}

func (m *MemoryStore) filterThreads(limit int, keep func(domain.Thread) bool) []domain.Thread {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Thread, 0)
	for _, t := range m.threads {
		if keep(t) {
			res = append(res, t)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].LastUpdated.Before(res[j].LastUpdated) })
	if n := normalizeLimit(limit); len(res) > n {
		res = res[:n]
	}
	return res
}

func (m *MemoryStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages[id]) > 0 {
		return ErrThreadHasMessages
	}
	delete(m.threads, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg domain.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Type = domain.TypeMessage
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], msg)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, userID, threadID string) ([]domain.ThreadMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ThreadMessage, 0, len(m.messages[threadID]))
	for _, msg := range m.messages[threadID] {
		if msg.UserID == userID {
			res = append(res, msg)
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Created.Before(res[j].Created) })
	return res, nil
}

func (m *MemoryStore) DeleteMessages(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.messages[threadID])
	delete(m.messages, threadID)
	return n, nil
}

func (m *MemoryStore) SaveDocument(_ context.Context, doc domain.DocsPerThread) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.docs[doc.ID]; !exists {
		m.orders = append(m.orders, doc.ID)
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, userID, id string) (domain.DocsPerThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok || d.UserID != userID || d.Deleted {
		return domain.DocsPerThread{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) GetDocumentByID(_ context.Context, id string) (domain.DocsPerThread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return domain.DocsPerThread{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDocumentsByThread(_ context.Context, userID, threadID string) ([]domain.DocsPerThread, error) {
	return m.filterDocs(0, func(d domain.DocsPerThread) bool {
		return d.ThreadID == threadID && d.UserID == userID && !d.Deleted
	}), nil
}

func (m *MemoryStore) ListAllDocumentsByThread(_ context.Context, threadID string) ([]domain.DocsPerThread, error) {
	return m.filterDocs(0, func(d domain.DocsPerThread) bool { return d.ThreadID == threadID }), nil
}

func (m *MemoryStore) ListDocuments(_ context.Context, filter ListFilter) ([]domain.DocsPerThread, error) {
	return m.filterDocs(filter.limit(), func(d domain.DocsPerThread) bool {
		if filter.UserID != "" && d.UserID != filter.UserID {
			return false
		}
		return filter.IncludeDeleted || !d.Deleted
	}), nil
}

func (m *MemoryStore) ListSoftDeletedDocuments(_ context.Context, limit int) ([]domain.DocsPerThread, error) {
	return m.filterDocs(normalizeLimit(limit), func(d domain.DocsPerThread) bool { return d.Deleted }), nil
}

// filterDocs walks documents in insertion order; limit <= 0 means unbounded.
func (m *MemoryStore) filterDocs(limit int, keep func(domain.DocsPerThread) bool) []domain.DocsPerThread {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.DocsPerThread, 0)
	for _, id := range m.orders {
		d, ok := m.docs[id]
		if !ok || !keep(d) {
			continue
		}
		res = append(res, d)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res
}

func (m *MemoryStore) SoftDeleteDocument(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.UserID != userID || d.Deleted {
		return ErrNotFound
	}
	d.Deleted = true
	m.docs[id] = d
	return nil
}

func (m *MemoryStore) SoftDeleteDocumentsByThread(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.docs {
		if d.ThreadID == threadID && !d.Deleted {
			d.Deleted = true
			m.docs[id] = d
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkDocumentIndexed(_ context.Context, id string, extractAvailable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.AvailableInSearchIndex = true
	d.ExtractAvailable = extractAvailable
	m.docs[id] = d
	return nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	filtered := m.orders[:0]
	for _, item := range m.orders {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.orders = filtered
	return nil
}

func sortThreadsDesc(threads []domain.Thread) {
	sort.Slice(threads, func(i, j int) bool { return threads[i].LastUpdated.After(threads[j].LastUpdated) })
}
