package stats

import (
	"context"
	"log/slog"
	"net/http"

	"groundrag/internal/httputil"
	"groundrag/internal/vector"
)

type VectorStore interface {
	Count(ctx context.Context) (int, error)
	ListSources(ctx context.Context) ([]vector.Source, error)
}

type FailureRepo interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	store    VectorStore
	failures FailureRepo
	identity vector.Identity
}

// NewHandler takes a nil failures repo when no database backs the failure log.
func NewHandler(v VectorStore, f FailureRepo, id vector.Identity) *Handler {
	return &Handler{store: v, failures: f, identity: id}
}

type StatsResponse struct {
	Sources            int    `json:"sources"`
	Chunks             int    `json:"chunks"`
	FailedIngestions   int    `json:"failed_ingestions"`
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "getting stats")

	sources, err := h.store.ListSources(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list sources", "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, "failed to count sources", http.StatusInternalServerError)
		return
	}

	chunks, err := h.store.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, "failed to count chunks", http.StatusInternalServerError)
		return
	}

	failed := 0
	if h.failures != nil {
		if failed, err = h.failures.Count(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to count failed ingestions", "error", err)
			httputil.WriteError(ctx, w, httputil.CodeInternal, "failed to count failed ingestions", http.StatusInternalServerError)
			return
		}
	}

	httputil.WriteData(ctx, w, http.StatusOK, StatsResponse{
		Sources:            len(sources),
		Chunks:             chunks,
		FailedIngestions:   failed,
		EmbeddingModel:     h.identity.Model,
		EmbeddingDimension: h.identity.Dimensions,
	})
}
