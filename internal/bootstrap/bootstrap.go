// Package bootstrap builds the backing services named by the configuration.
package bootstrap

import (
	"fmt"
	"time"

	"docchat/internal/config"
	"docchat/pkg/ai"
	"docchat/pkg/queue"
	"docchat/pkg/search"
	"docchat/pkg/storage"
	"docchat/pkg/store"
)

// Stores groups the persistent services shared by the API and the cleanup job.
type Stores struct {
	Registry  *store.GormStore
	Search    *search.PGVectorIndex
	Documents storage.DocumentStore
}

// OpenStores connects the registry, the search index and the document store.
// The search index shares the registry's connection pool.
func OpenStores(cfg config.FileConfig) (Stores, error) {
	registry, err := store.NewGormStore(cfg.Database.URL)
	if err != nil {
		return Stores{}, fmt.Errorf("open registry: %w", err)
	}
	index, err := search.NewPGVectorIndex(registry.DB(), cfg.Search.EmbeddingDim)
	if err != nil {
		return Stores{}, fmt.Errorf("open search index: %w", err)
	}
	docs, err := NewDocumentStore(cfg.Storage)
	if err != nil {
		return Stores{}, err
	}
	return Stores{Registry: registry, Search: index, Documents: docs}, nil
}

// NewDocumentStore selects the minio or container backend.
func NewDocumentStore(cfg config.StorageConfig) (storage.DocumentStore, error) {
	switch cfg.Backend {
	case "minio":
		s, err := storage.NewMinioStore(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, cfg.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("open minio store: %w", err)
		}
		return s, nil
	case "container":
		s, err := storage.NewContainerStore(cfg.BasePath, cfg.ContainerPrefix)
		if err != nil {
			return nil, fmt.Errorf("open container store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewCompleter builds the chat provider.
func NewCompleter(cfg config.LLMConfig) (ai.ChatCompleter, error) {
	switch cfg.Provider {
	case "openai":
		return ai.NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "ollama":
		return ai.NewOllamaChat(ai.NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiChat(client, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewEmbedder builds the embedding provider; nil when none is configured.
func NewEmbedder(cfg config.EmbeddingConfig, dims int) (ai.Embedder, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "openai":
		client := ai.NewOpenAICompatClient(cfg.BaseURL, cfg.APIKey, "")
		return ai.NewOpenAICompatEmbedder(client, cfg.Model, dims), nil
	case "ollama":
		return ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.BaseURL), cfg.Model, dims), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiEmbedder(client, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// NewQueue builds the ingestion queue. The returned close func releases
// backend connections and is never nil.
func NewQueue(cfg config.FileConfig) (queue.JobQueue, func() error, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return queue.NewMemoryQueue(), func() error { return nil }, nil
	case "redis":
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			Stream:     cfg.Queue.Stream,
			Group:      cfg.Queue.Group,
			MaxRetries: cfg.Queue.MaxRetries,
			RetryDelay: time.Duration(cfg.Queue.RetryDelaySeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, q.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
