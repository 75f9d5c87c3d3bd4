package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

const (
	BackendPostgres = "postgres"
	BackendWeaviate = "weaviate"
	BackendMemory   = "memory"

	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// Config is built once at startup and passed by pointer. Nothing mutates it afterwards.
type Config struct {
	DBHost    string `envconfig:"DB_HOST" default:"localhost"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"rag"`
	DBPass    string `envconfig:"DB_PASS" default:"password"`
	DBName    string `envconfig:"DB_NAME" default:"rag"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	// Vector store
	VectorBackend  string `envconfig:"VECTOR_BACKEND" default:"postgres"`
	IVFFlatLists   int    `envconfig:"IVFFLAT_LISTS" default:"100"`
	IVFFlatProbes  int    `envconfig:"IVFFLAT_PROBES" default:"10"`
	ExactSearch    bool   `envconfig:"EXACT_SEARCH" default:"false"`
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	// Embedding
	EmbeddingProvider     string `envconfig:"EMBEDDING_PROVIDER" default:"ollama"`
	EmbeddingModel        string `envconfig:"EMBEDDING_MODEL" default:"all-minilm"`
	EmbeddingDimension    int    `envconfig:"EMBEDDING_DIMENSION" default:"384"`
	EmbeddingBatchSize    int    `envconfig:"EMBEDDING_BATCH_SIZE" default:"32"`
	EmbeddingMaxAttempts  int    `envconfig:"EMBEDDING_MAX_ATTEMPTS" default:"3"`
	EmbeddingRetryDelayMs int    `envconfig:"EMBEDDING_RETRY_DELAY_MS" default:"500"`

	// Generation
	GenerationProvider      string  `envconfig:"GENERATION_PROVIDER" default:"ollama"`
	GenerationModel         string  `envconfig:"GENERATION_MODEL" default:"llama3"`
	Temperature             float32 `envconfig:"GENERATION_TEMPERATURE" default:"0.3"`
	MaxTokens               int     `envconfig:"GENERATION_MAX_TOKENS" default:"1024"`
	GenerationTimeoutSecond int     `envconfig:"GENERATION_TIMEOUT_SECONDS" default:"120"`

	OllamaHost    string `envconfig:"OLLAMA_HOST" default:"http://localhost:11434"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL"`

	// Chunking (words)
	ChunkSize      int `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap   int `envconfig:"CHUNK_OVERLAP" default:"50"`
	ChunkTolerance int `envconfig:"CHUNK_TOLERANCE" default:"100"`

	// Retrieval
	TopK              int     `envconfig:"TOP_K" default:"5"`
	MinSimilarity     float64 `envconfig:"MIN_SIMILARITY" default:"0"`
	PromptBudgetWords int     `envconfig:"PROMPT_BUDGET_WORDS" default:"3000"`
	RerankProvider    string  `envconfig:"RERANK_PROVIDER"`
	RerankAPIKey      string  `envconfig:"RERANK_API_KEY"`

	// Ingestion
	DataDir    string `envconfig:"DATA_DIR" default:"data/raw"`
	IngestMode string `envconfig:"INGEST_MODE" default:"skip"`

	// Empty NSQD_HOST disables ingestion events.
	NSQDHost string `envconfig:"NSQD_HOST"`
	NSQDHTTP string `envconfig:"NSQD_HTTP"`

	// Server
	ServerPort      int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath    string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`
	UploadDir       string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MigrationPath   string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Try loading .env from current dir and repo root
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.VectorBackend {
	case BackendPostgres, BackendWeaviate:
		if c.DBHost == "" {
			return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
		}
		if c.DBUser == "" {
			return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
		}
		if c.DBName == "" {
			return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: VECTOR_BACKEND %q", ErrInvalid, c.VectorBackend)
	}

	switch c.EmbeddingProvider {
	case ProviderOllama, ProviderHash, ProviderOpenAI:
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER %q", ErrInvalid, c.EmbeddingProvider)
	}

	switch c.GenerationProvider {
	case ProviderOllama, ProviderOpenAI:
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingRequired)
		}
	default:
		return fmt.Errorf("%w: GENERATION_PROVIDER %q", ErrInvalid, c.GenerationProvider)
	}

	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION must be positive", ErrInvalid)
	}
	if c.EmbeddingBatchSize <= 0 || c.EmbeddingMaxAttempts <= 0 {
		return fmt.Errorf("%w: EMBEDDING_BATCH_SIZE and EMBEDDING_MAX_ATTEMPTS must be positive", ErrInvalid)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: CHUNK_SIZE must be positive", ErrInvalid)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_OVERLAP must be in [0, CHUNK_SIZE)", ErrInvalid)
	}
	if c.ChunkTolerance < 0 || c.ChunkTolerance > c.ChunkSize {
		return fmt.Errorf("%w: CHUNK_TOLERANCE must be in [0, CHUNK_SIZE]", ErrInvalid)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("%w: TOP_K must be positive", ErrInvalid)
	}
	if c.PromptBudgetWords <= 0 {
		return fmt.Errorf("%w: PROMPT_BUDGET_WORDS must be positive", ErrInvalid)
	}
	if c.IVFFlatLists <= 0 || c.IVFFlatProbes <= 0 {
		return fmt.Errorf("%w: IVFFLAT_LISTS and IVFFLAT_PROBES must be positive", ErrInvalid)
	}

	switch c.IngestMode {
	case "skip", "replace", "append":
	default:
		return fmt.Errorf("%w: INGEST_MODE %q", ErrInvalid, c.IngestMode)
	}
	return nil
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}
