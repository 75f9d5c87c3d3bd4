package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"groundrag/internal/adapter/gemini"
	"groundrag/internal/adapter/ollama"
	"groundrag/internal/adapter/openai"
	"groundrag/internal/adapter/pgstore"
	"groundrag/internal/adapter/reranker"
	wstore "groundrag/internal/adapter/weaviate"
	"groundrag/internal/config"
	"groundrag/internal/embedding"
	"groundrag/internal/generation"
	"groundrag/internal/retrieval"
	"groundrag/internal/retry"
	"groundrag/internal/vector"
)

// VectorStore is what the pipelines and handlers need from a chunk store.
type VectorStore interface {
	Bind(ctx context.Context, id vector.Identity) error
	Insert(ctx context.Context, c *vector.Chunk) error
	Search(ctx context.Context, query []float32, topK int, filter *vector.Filter) ([]vector.SearchResult, error)
	DeleteBySource(ctx context.Context, sourceFile string) (int, error)
	ListSources(ctx context.Context) ([]vector.Source, error)
	Count(ctx context.Context) (int, error)
}

// Pinger is implemented by backends that can report liveness cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the long-lived clients built once at startup.
type Dependencies struct {
	// DB is nil for the memory backend; the failure log is disabled then.
	DB          *sql.DB
	Store       VectorStore
	Embedder    *embedding.Client
	Completer   generation.Completer
	Reranker    retrieval.Reranker
	NSQProducer *nsq.Producer
	QueryLogger *retrieval.QueryLogger

	closers []io.Closer
}

// Close releases every client in reverse construction order.
func (d *Dependencies) Close() error {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dependencies) addCloser(c io.Closer) {
	if c != nil {
		d.closers = append(d.closers, c)
	}
}

// Bootstrap connects the database, runs migrations, builds the embedding and
// generation backends and binds the vector store to the embedding identity.
func Bootstrap(ctx context.Context, cfg *config.Config) (deps *Dependencies, err error) {
	deps = &Dependencies{}
	defer func() {
		if err != nil {
			deps.Close()
			deps = nil
		}
	}()
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second

	if cfg.VectorBackend != config.BackendMemory {
		db, err := OpenDB(ctx, cfg)
		if err != nil {
			return deps, err
		}
		deps.DB = db
		deps.addCloser(db)

		if err := Migrate(db, cfg.MigrationPath); err != nil {
			return deps, err
		}
	}

	backend, closer, err := NewEmbeddingBackend(ctx, cfg)
	if err != nil {
		return deps, fmt.Errorf("embedding backend: %w", err)
	}
	deps.addCloser(closer)
	deps.Embedder = embedding.NewClient(backend, embedding.Options{
		BatchSize:   cfg.EmbeddingBatchSize,
		MaxAttempts: cfg.EmbeddingMaxAttempts,
		RetryDelay:  time.Duration(cfg.EmbeddingRetryDelayMs) * time.Millisecond,
	})

	completer, closer, err := NewCompleter(ctx, cfg)
	if err != nil {
		return deps, fmt.Errorf("generation backend: %w", err)
	}
	deps.addCloser(closer)
	deps.Completer = completer

	store, err := NewVectorStore(cfg, deps.DB)
	if err != nil {
		return deps, err
	}
	deps.Store = store

	id := deps.Embedder.Identity()
	err = retry.Do(ctx, cfg.BootstrapRetryAttempts, retryDelay, func(ctx context.Context) error {
		err := store.Bind(ctx, id)
		if errors.Is(err, vector.ErrIdentityMismatch) || errors.Is(err, vector.ErrDimensionMismatch) {
			return retry.Permanent(err)
		}
		if err != nil {
			slog.WarnContext(ctx, "failed to bind vector store, retrying", "backend", cfg.VectorBackend, "error", err)
		}
		return err
	})
	if err != nil {
		return deps, fmt.Errorf("bind vector store to %s: %w", id, err)
	}
	slog.InfoContext(ctx, "vector store ready", "backend", cfg.VectorBackend, "identity", id.String())

	if rr := reranker.NewClient(cfg.RerankProvider, cfg.RerankAPIKey); rr.Enabled() {
		deps.Reranker = rr
	}

	if cfg.NSQDHost != "" {
		producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
		if err != nil {
			return deps, fmt.Errorf("nsq producer error: %w", err)
		}
		deps.NSQProducer = producer
	}

	if cfg.QueryLogPath != "" {
		ql, closer, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
		if err != nil {
			slog.WarnContext(ctx, "query log disabled", "path", cfg.QueryLogPath, "error", err)
		} else {
			deps.QueryLogger = ql
			deps.addCloser(closer)
		}
	}
	return deps, nil
}

// OpenDB opens Postgres and pings it until it answers or the attempts run out.
func OpenDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	attempt := 0
	err = retry.Do(ctx, cfg.BootstrapRetryAttempts, retryDelay, func(ctx context.Context) error {
		attempt++
		err := db.PingContext(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to ping db, retrying...", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

// Migrate applies pending migrations; an up-to-date schema is not an error.
func Migrate(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	return nil
}

func NewVectorStore(cfg *config.Config, db *sql.DB) (VectorStore, error) {
	switch cfg.VectorBackend {
	case config.BackendPostgres:
		return pgstore.NewStore(db, pgstore.Options{
			Lists:  cfg.IVFFlatLists,
			Probes: cfg.IVFFlatProbes,
			Exact:  cfg.ExactSearch,
		}), nil
	case config.BackendWeaviate:
		client, err := weaviate.NewClient(weaviate.Config{Host: cfg.WeaviateHost, Scheme: cfg.WeaviateScheme})
		if err != nil {
			return nil, fmt.Errorf("weaviate client error: %w", err)
		}
		return wstore.NewStore(client), nil
	case config.BackendMemory:
		return vector.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: VECTOR_BACKEND %q", config.ErrInvalid, cfg.VectorBackend)
}

// NewEmbeddingBackend returns the configured backend and, for SDK clients, a closer.
func NewEmbeddingBackend(ctx context.Context, cfg *config.Config) (embedding.Backend, io.Closer, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderOllama:
		return ollama.NewEmbedder(ollama.Config{
			BaseURL:    cfg.OllamaHost,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimension,
		}), nil, nil
	case config.ProviderOpenAI:
		return openai.NewEmbedder(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimension,
		}), nil, nil
	case config.ProviderGemini:
		e, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimension)
		if err != nil {
			return nil, nil, err
		}
		return e, e, nil
	case config.ProviderHash:
		return embedding.NewHashBackend(cfg.EmbeddingDimension), nil, nil
	}
	return nil, nil, fmt.Errorf("%w: EMBEDDING_PROVIDER %q", config.ErrInvalid, cfg.EmbeddingProvider)
}

func NewCompleter(ctx context.Context, cfg *config.Config) (generation.Completer, io.Closer, error) {
	switch cfg.GenerationProvider {
	case config.ProviderOllama:
		return ollama.NewGenerator(ollama.Config{
			BaseURL: cfg.OllamaHost,
			Model:   cfg.GenerationModel,
			Timeout: time.Duration(cfg.GenerationTimeoutSecond) * time.Second,
		}), nil, nil
	case config.ProviderOpenAI:
		return openai.NewGenerator(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.GenerationModel,
		}), nil, nil
	case config.ProviderGemini:
		g, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.GenerationModel)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	}
	return nil, nil, fmt.Errorf("%w: GENERATION_PROVIDER %q", config.ErrInvalid, cfg.GenerationProvider)
}
