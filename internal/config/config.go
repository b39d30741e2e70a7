package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"docchat/internal/settings"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// Path returns DOCCHAT_CONFIG when set, otherwise ConfigPath.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("DOCCHAT_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	Database  DatabaseConfig    `yaml:"database"`
	Storage   StorageConfig     `yaml:"storage"`
	Search    SearchConfig      `yaml:"search"`
	LLM       LLMConfig         `yaml:"llm"`
	Embedding EmbeddingConfig   `yaml:"embedding"`
	Queue     QueueConfig       `yaml:"queue"`
	Redis     RedisConfig       `yaml:"redis"`
	Auth      AuthConfig        `yaml:"auth"`
	Upload    UploadConfig      `yaml:"upload"`
	Cleanup   CleanupConfig     `yaml:"cleanup"`
	Settings  settings.Settings `yaml:"settings"`
	HTTP      HTTPConfig        `yaml:"http"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig selects the document store backend: "minio" or "container".
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	// BasePath is the root directory of the container backend.
	BasePath string `yaml:"basePath"`
	// ContainerPrefix is prepended to per-thread container names.
	ContainerPrefix string `yaml:"containerPrefix"`
}

type SearchConfig struct {
	EmbeddingDim int `yaml:"embeddingDim"`
}

// LLMConfig selects the chat provider: "openai", "ollama" or "gemini".
type LLMConfig struct {
	Provider string `yaml:"provider"`
	BaseURL  string `yaml:"baseURL"`
	APIKey   string `yaml:"apiKey"`
	Model    string `yaml:"model"`
}

// EmbeddingConfig selects the embedding provider. An empty provider disables
// vector retrieval; search then falls back to keyword ranking.
type EmbeddingConfig struct {
	Provider    string `yaml:"provider"`
	BaseURL     string `yaml:"baseURL"`
	APIKey      string `yaml:"apiKey"`
	Model       string `yaml:"model"`
	BatchSize   int    `yaml:"batchSize"`
	Concurrency int    `yaml:"concurrency"`
}

// QueueConfig selects the ingestion queue: "memory" or "redis".
type QueueConfig struct {
	Backend           string `yaml:"backend"`
	Concurrency       int    `yaml:"concurrency"`
	Stream            string `yaml:"stream"`
	Group             string `yaml:"group"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
	ChunkSize         int    `yaml:"chunkSize"`
	ChunkOverlap      int    `yaml:"chunkOverlap"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	// MessagesPerMinute caps chat turns per user when Addr is set.
	MessagesPerMinute int `yaml:"messagesPerMinute"`
}

type AuthConfig struct {
	JWKSURL   string `yaml:"jwksURL"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	Scope     string `yaml:"scope"`
	AdminRole string `yaml:"adminRole"`
}

type UploadConfig struct {
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	BlockedExtensions []string `yaml:"blockedExtensions"`
}

type CleanupConfig struct {
	Schedule         string `yaml:"schedule"`
	BatchSize        int    `yaml:"batchSize"`
	ThreadMaxAgeDays int    `yaml:"threadMaxAgeDays"`
}

type HTTPConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// ThreadMaxAge converts ThreadMaxAgeDays into a duration; zero disables expiry.
func (c CleanupConfig) ThreadMaxAge() time.Duration {
	if c.ThreadMaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(c.ThreadMaxAgeDays) * 24 * time.Hour
}

// Defaults returns the fallback values applied before the YAML file is read.
func Defaults() FileConfig {
	return FileConfig{
		Port:     "8080",
		LogLevel: "info",
		Storage: StorageConfig{
			Backend:  "minio",
			Bucket:   "documents",
			BasePath: "data/documents",
		},
		Search: SearchConfig{EmbeddingDim: 1536},
		LLM:    LLMConfig{Provider: "openai"},
		Embedding: EmbeddingConfig{
			BatchSize:   16,
			Concurrency: 2,
		},
		Queue: QueueConfig{
			Backend:           "memory",
			Concurrency:       3,
			Stream:            "docchat:ingest",
			Group:             "docchat-ingest",
			MaxRetries:        3,
			RetryDelaySeconds: 10,
			ChunkSize:         1200,
			ChunkOverlap:      200,
		},
		Redis: RedisConfig{MessagesPerMinute: 20},
		Auth: AuthConfig{
			Audience:  "docchat-api",
			Scope:     "chat",
			AdminRole: "admin",
		},
		Upload: UploadConfig{MaxUploadBytes: 100 << 20},
		Cleanup: CleanupConfig{
			Schedule:         "*/5 * * * *",
			BatchSize:        100,
			ThreadMaxAgeDays: 30,
		},
		Settings: settings.Defaults(),
	}
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := Defaults()
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *FileConfig) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString("PORT", &cfg.Port)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("DATABASE_URL", &cfg.Database.URL)
	setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("MINIO_ENDPOINT", &cfg.Storage.Endpoint)
	setString("MINIO_ACCESS_KEY", &cfg.Storage.AccessKey)
	setString("MINIO_SECRET_KEY", &cfg.Storage.SecretKey)
	setString("MINIO_BUCKET", &cfg.Storage.Bucket)
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Storage.UseSSL = b
		}
	}
	setString("LLM_PROVIDER", &cfg.LLM.Provider)
	setString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	setString("LLM_API_KEY", &cfg.LLM.APIKey)
	setString("LLM_MODEL", &cfg.LLM.Model)
	setString("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)
	setString("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	setString("EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt("SEARCH_EMBEDDING_DIM", &cfg.Search.EmbeddingDim)
	setString("QUEUE_BACKEND", &cfg.Queue.Backend)
	setInt("QUEUE_CONCURRENCY", &cfg.Queue.Concurrency)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	setString("AUTH_ISSUER", &cfg.Auth.Issuer)
	setString("AUTH_AUDIENCE", &cfg.Auth.Audience)
	setString("CLEANUP_SCHEDULE", &cfg.Cleanup.Schedule)
	setInt("CLEANUP_THREAD_MAX_AGE_DAYS", &cfg.Cleanup.ThreadMaxAgeDays)
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.Database.URL == "" {
		return errors.New("config: database.url is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.Storage.Backend {
	case "minio":
		if cfg.Storage.Endpoint == "" || cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "" {
			return errors.New("config: storage.backend=minio requires endpoint, accessKey and secretKey (or MINIO_* env)")
		}
		if cfg.Storage.Bucket == "" {
			return errors.New("config: storage.bucket is required")
		}
	case "container":
		if strings.TrimSpace(cfg.Storage.BasePath) == "" {
			return errors.New("config: storage.basePath is required for the container backend")
		}
	default:
		return fmt.Errorf("config: unknown storage.backend %q (want minio or container)", cfg.Storage.Backend)
	}
	if cfg.Search.EmbeddingDim <= 0 {
		return errors.New("config: search.embeddingDim must be > 0")
	}
	switch cfg.LLM.Provider {
	case "openai", "ollama":
		if cfg.LLM.BaseURL == "" {
			return fmt.Errorf("config: llm.baseURL is required for provider %s (or LLM_BASE_URL)", cfg.LLM.Provider)
		}
	case "gemini":
		if cfg.LLM.APIKey == "" {
			return errors.New("config: llm.apiKey is required for provider gemini (or LLM_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown llm.provider %q (want openai, ollama or gemini)", cfg.LLM.Provider)
	}
	if cfg.LLM.Model == "" {
		return errors.New("config: llm.model is required (set in config.yaml or LLM_MODEL)")
	}
	switch cfg.Embedding.Provider {
	case "":
	case "openai", "ollama", "gemini":
		if cfg.Embedding.Model == "" {
			return errors.New("config: embedding.model is required when embedding.provider is set")
		}
	default:
		return fmt.Errorf("config: unknown embedding.provider %q", cfg.Embedding.Provider)
	}
	switch cfg.Queue.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("config: queue.backend=redis requires redis.addr (or REDIS_ADDR)")
		}
	default:
		return fmt.Errorf("config: unknown queue.backend %q (want memory or redis)", cfg.Queue.Backend)
	}
	if cfg.Queue.Concurrency <= 0 {
		return errors.New("config: queue.concurrency must be > 0")
	}
	if cfg.Queue.ChunkSize <= 0 {
		return errors.New("config: queue.chunkSize must be > 0")
	}
	if cfg.Queue.ChunkOverlap < 0 || cfg.Queue.ChunkOverlap >= cfg.Queue.ChunkSize {
		return errors.New("config: queue.chunkOverlap must be >= 0 and smaller than chunkSize")
	}
	if cfg.Auth.JWKSURL == "" || cfg.Auth.Issuer == "" || cfg.Auth.Audience == "" {
		return errors.New("config: auth.jwksURL, auth.issuer and auth.audience are required")
	}
	if cfg.Upload.MaxUploadBytes <= 0 {
		return errors.New("config: upload.maxUploadBytes must be > 0")
	}
	if _, err := cron.ParseStandard(cfg.Cleanup.Schedule); err != nil {
		return fmt.Errorf("config: cleanup.schedule: %w", err)
	}
	if cfg.Cleanup.ThreadMaxAgeDays < 0 {
		return errors.New("config: cleanup.threadMaxAgeDays must be >= 0")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return fmt.Errorf("config: settings: %w", err)
	}
	return nil
}
