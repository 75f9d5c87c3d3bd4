package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"groundrag/internal/middleware"
	"groundrag/internal/vector"
)

const (
	StageEmbed  = "embed"
	StageSearch = "search"
)

// ErrEmptyQuery is returned before any backend is called.
var ErrEmptyQuery = errors.New("query is empty")

// Error records which retrieval stage failed.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Embedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type Store interface {
	Search(ctx context.Context, query []float32, topK int, filter *vector.Filter) ([]vector.SearchResult, error)
}

type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

// Options are caller requests. Zero values mean "not requested": no source
// restriction, no similarity floor, and the service default for TopK.
type Options struct {
	TopK          int
	SourceFile    string
	MinSimilarity float64
}

type Service struct {
	embedder    Embedder
	store       Store
	reranker    Reranker
	logger      *QueryLogger
	defaultTopK int
}

// NewService wires a retriever. reranker and logger may be nil.
func NewService(e Embedder, s Store, r Reranker, l *QueryLogger, defaultTopK int) *Service {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Service{embedder: e, store: s, reranker: r, logger: l, defaultTopK: defaultTopK}
}

func (s *Service) DefaultTopK() int { return s.defaultTopK }

// Retrieve embeds the query and returns the nearest chunks in rank order. An
// empty store gives an empty slice.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) (results []vector.SearchResult, err error) {
	start := time.Now()
	topK := opts.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}

	defer func() {
		if s.logger == nil {
			return
		}
		entry := QueryLogEntry{
			Query:         query,
			TopK:          topK,
			SourceFile:    opts.SourceFile,
			NumResults:    len(results),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.logger.Log(entry)
	}()

	if strings.TrimSpace(query) == "" {
		return nil, &Error{Stage: StageEmbed, Err: ErrEmptyQuery}
	}

	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, &Error{Stage: StageEmbed, Err: err}
	}

	var filter *vector.Filter
	if opts.SourceFile != "" {
		filter = &vector.Filter{SourceFile: opts.SourceFile}
	}

	// The reranker picks topK out of a wider candidate pool.
	fetch := topK
	if s.reranker != nil {
		fetch = topK * 3
	}

	results, err = s.store.Search(ctx, vec, fetch, filter)
	if err != nil {
		return nil, &Error{Stage: StageSearch, Err: err}
	}

	if opts.MinSimilarity > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Similarity >= opts.MinSimilarity {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	if s.reranker != nil && len(results) > topK {
		results = s.rerank(ctx, query, results, topK)
	}
	return vector.Rank(results, topK), nil
}

// rerank falls back to similarity order when the reranker fails.
func (s *Service) rerank(ctx context.Context, query string, results []vector.SearchResult, topK int) []vector.SearchResult {
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Content
	}
	indices, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		slog.WarnContext(ctx, "rerank failed, keeping similarity order", "error", err, "candidates", len(results))
		return results
	}

	selected := make([]vector.SearchResult, 0, topK)
	for _, idx := range indices {
		if len(selected) == topK {
			break
		}
		selected = append(selected, results[idx])
	}
	return selected
}
