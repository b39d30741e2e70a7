package app

import (
	"fmt"
	"strings"
	"time"

	"docchat/internal/settings"
	"docchat/pkg/ai"
	"docchat/pkg/queue"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

const (
	defaultThreadName     = "New chat"
	defaultMaxUploadBytes = 100 << 20
)

// DefaultBlockedExtensions are rejected at upload unless configuration overrides them.
var DefaultBlockedExtensions = []string{".exe", ".dll", ".bat", ".cmd", ".sh", ".js", ".msi", ".zip"}

// Config holds the collaborators and limits of the application.
type Config struct {
	Store     store.Store
	Documents storage.DocumentStore
	Search    search.Service
	Completer ai.ChatCompleter
	// Embedder turns queries into vectors. Nil falls back to keyword retrieval.
	Embedder ai.Embedder
	Queue    queue.JobQueue
	Settings *settings.Store

	MaxUploadBytes    int64
	BlockedExtensions []string
	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// App composes the thread repository, document registry, document store,
// search index and chat model into the chat-with-your-data operations.
type App struct {
	store     store.Store
	documents storage.DocumentStore
	search    search.Service
	completer ai.ChatCompleter
	embedder  ai.Embedder
	queue     queue.JobQueue
	settings  *settings.Store

	maxUploadBytes int64
	blocked        map[string]struct{}
	now            func() time.Time
}

// New validates cfg and constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Documents == nil {
		return nil, fmt.Errorf("document store required")
	}
	if cfg.Search == nil {
		return nil, fmt.Errorf("search service required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("chat completer required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("document queue required")
	}
	st := cfg.Settings
	if st == nil {
		var err error
		if st, err = settings.New(settings.Defaults()); err != nil {
			return nil, err
		}
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	exts := cfg.BlockedExtensions
	if exts == nil {
		exts = DefaultBlockedExtensions
	}
	blocked := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		blocked[ext] = struct{}{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:          cfg.Store,
		documents:      cfg.Documents,
		search:         cfg.Search,
		completer:      cfg.Completer,
		embedder:       cfg.Embedder,
		queue:          cfg.Queue,
		settings:       st,
		maxUploadBytes: maxUpload,
		blocked:        blocked,
		now:            now,
	}, nil
}

// MaxUploadBytes is the per-file upload limit.
func (a *App) MaxUploadBytes() int64 { return a.maxUploadBytes }

func (a *App) clock() time.Time { return a.now().UTC() }

// after returns the current time, nudged past prev so message order is stable.
func (a *App) after(prev time.Time) time.Time {
	t := a.clock()
	if !t.After(prev) {
		t = prev.Add(time.Millisecond)
	}
	return t
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUserRequired
	}
	return nil
}
