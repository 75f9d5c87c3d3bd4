package job

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"groundrag/internal/httputil"
	"groundrag/internal/ingest"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "listing failed ingestions")

	failures, err := h.service.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list failed ingestions", "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	if failures == nil {
		failures = []Failure{}
	}
	httputil.WriteData(ctx, w, http.StatusOK, failures, len(failures))
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	res, err := h.service.Retry(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "failed to retry ingestion", "id", id, "error", err)
		if errors.Is(err, sql.ErrNoRows) {
			httputil.WriteError(ctx, w, httputil.CodeNotFound, "Failed ingestion not found", http.StatusNotFound)
			return
		}
		var ie *ingest.Error
		if errors.As(err, &ie) {
			httputil.WriteError(ctx, w, httputil.CodeUnavailable, err.Error(), http.StatusBadGateway)
			return
		}
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	httputil.WriteData(ctx, w, http.StatusOK, res)
}

// Dismiss forgets a failure without retrying it.
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.service.Dismiss(ctx, id); err != nil {
		slog.ErrorContext(ctx, "failed to dismiss ingestion failure", "id", id, "error", err)
		httputil.WriteError(ctx, w, httputil.CodeInternal, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
