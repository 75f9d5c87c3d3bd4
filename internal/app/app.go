package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"groundrag/features/job"
	"groundrag/features/mcp"
	"groundrag/features/query"
	"groundrag/features/source"
	"groundrag/features/stats"
	"groundrag/internal/config"
	"groundrag/internal/generation"
	"groundrag/internal/ingest"
	"groundrag/internal/middleware"
	"groundrag/internal/prompt"
	"groundrag/internal/rag"
	"groundrag/internal/retrieval"
	"groundrag/internal/text"
)

type App struct {
	Handler   http.Handler
	Ingester  *ingest.Pipeline
	Retriever *retrieval.Service
	RAG       *rag.Pipeline
	Sources   *source.Service

	cfg *config.Config
}

// New wires services and routes on top of bootstrapped dependencies.
func New(cfg *config.Config, deps *Dependencies) (*App, error) {
	if deps.Store == nil || deps.Embedder == nil || deps.Completer == nil {
		return nil, fmt.Errorf("%w: store, embedder and completer are required", config.ErrMissingRequired)
	}

	// Feature: Ingestion
	var ingestOpts []ingest.Option
	var jobRepo *job.PostgresRepo
	if deps.DB != nil {
		jobRepo = job.NewPostgresRepo(deps.DB)
		ingestOpts = append(ingestOpts, ingest.WithFailureRecorder(jobRepo))
	}
	var publisher source.EventPublisher
	if deps.NSQProducer != nil {
		publisher = deps.NSQProducer
		ingestOpts = append(ingestOpts, ingest.WithEventPublisher(deps.NSQProducer))
	}
	chunker := text.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.ChunkTolerance)
	ingester := ingest.NewPipeline(chunker, deps.Embedder, deps.Store, ingestOpts...)

	// Feature: Query
	retriever := retrieval.NewService(deps.Embedder, deps.Store, deps.Reranker, deps.QueryLogger, cfg.TopK)
	generator := generation.NewClient(deps.Completer, generation.Params{
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, time.Duration(cfg.GenerationTimeoutSecond)*time.Second)
	pipeline := rag.NewPipeline(retriever, prompt.NewAssembler(cfg.PromptBudgetWords), generator)
	queryHandler := query.NewHandler(pipeline)

	// Feature: Source
	sourceService := source.NewService(deps.Store, ingester, publisher, cfg)
	sourceHandler := source.NewHandler(sourceService, cfg.MaxUploadSizeMB)

	// Feature: Stats
	var failures stats.FailureRepo
	if jobRepo != nil {
		failures = jobRepo
	}
	statsHandler := stats.NewHandler(deps.Store, failures, deps.Embedder.Identity())

	mcpHandler := mcp.NewHandler(retriever, pipeline, deps.Store)
	status := &statusHandler{deps: deps}

	route := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.CORS(h))
	}

	mux := http.NewServeMux()
	preflight := map[string]bool{}
	handle := func(pattern string, h http.Handler) {
		mux.Handle(pattern, h)
		// Method-qualified patterns never see OPTIONS, so each path gets its own.
		_, path, _ := strings.Cut(pattern, " ")
		if !preflight[path] {
			preflight[path] = true
			mux.Handle("OPTIONS "+path, route(func(http.ResponseWriter, *http.Request) {}))
		}
	}

	handle("POST /ingest", route(sourceHandler.Ingest))
	handle("POST /sources/upload", route(sourceHandler.Upload))
	handle("GET /sources", route(sourceHandler.List))
	handle("DELETE /sources/{name}", route(sourceHandler.Purge))

	handle("POST /query", route(queryHandler.Query))
	handle("POST /query/stream", route(queryHandler.Stream))

	if jobRepo != nil {
		jobHandler := job.NewHandler(job.NewService(jobRepo, ingester, slog.Default()))
		handle("GET /jobs/failed", route(jobHandler.List))
		handle("POST /jobs/failed/{id}/retry", route(jobHandler.Retry))
		handle("DELETE /jobs/failed/{id}", route(jobHandler.Dismiss))
	}

	handle("GET /stats", route(statsHandler.GetStats))
	handle("GET /status", route(status.ServeHTTP))

	handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	handle("GET /mcp/sse", route(mcpHandler.HandleSSE))
	handle("POST /mcp/messages", route(mcpHandler.HandleMessage))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:   mux,
		Ingester:  ingester,
		Retriever: retriever,
		RAG:       pipeline,
		Sources:   sourceService,
		cfg:       cfg,
	}, nil
}

func (a *App) Config() *config.Config { return a.cfg }

// Run serves HTTP until ctx ends, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", a.cfg.ServerPort)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return <-errCh
}
