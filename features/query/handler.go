package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"groundrag/internal/httputil"
	"groundrag/internal/prompt"
	"groundrag/internal/rag"
	"groundrag/internal/retrieval"
	"groundrag/internal/vector"
)

type Asker interface {
	Ask(ctx context.Context, query string, opts rag.AskOptions) (*rag.Answer, error)
	AskStream(ctx context.Context, query string, opts rag.AskOptions, emit func(rag.Event) error) (*rag.Answer, error)
}

type Request struct {
	Query         string  `json:"query"`
	TopK          int     `json:"topK"`
	SourceFile    string  `json:"sourceFile"`
	MinSimilarity float64 `json:"minSimilarity"`
}

func (r Request) options() rag.AskOptions {
	return rag.AskOptions{TopK: r.TopK, SourceFile: r.SourceFile, MinSimilarity: r.MinSimilarity}
}

type Handler struct {
	asker Asker
}

func NewHandler(a Asker) *Handler {
	return &Handler{asker: a}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(r.Context(), w, httputil.CodeBadRequest, err.Error(), http.StatusBadRequest)
		return req, false
	}
	if req.TopK < 0 || req.MinSimilarity < 0 || req.MinSimilarity > 1 {
		httputil.WriteError(r.Context(), w, httputil.CodeBadRequest, "topK must be >= 0 and minSimilarity in [0, 1]", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	ans, err := h.asker.Ask(ctx, req.Query, req.options())
	if err != nil {
		code, status := classify(err)
		if ans != nil {
			// Generation failed after retrieval; the sources are still useful.
			httputil.WritePartial(ctx, w, status, ans, code, err.Error())
			return
		}
		httputil.WriteError(ctx, w, code, err.Error(), status)
		return
	}
	httputil.WriteData(ctx, w, http.StatusOK, ans)
}

// Stream answers as server-sent events: sources, fragments, done. Errors
// after the first event arrive as an error event.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(ctx, w, httputil.CodeInternal, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	started := false
	emit := func(e rag.Event) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeEvent(w, e.Type, e); err != nil {
			return err
		}
		flusher.Flush()
		return ctx.Err()
	}

	_, err := h.asker.AskStream(ctx, req.Query, req.options(), emit)
	if err == nil {
		return
	}
	code, status := classify(err)
	if !started {
		httputil.WriteError(ctx, w, code, err.Error(), status)
		return
	}
	if ctx.Err() != nil {
		slog.InfoContext(ctx, "stream client disconnected")
		return
	}
	slog.ErrorContext(ctx, "stream failed", "error", err)
	if werr := writeEvent(w, "error", map[string]string{"code": code, "message": err.Error()}); werr == nil {
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// classify maps a query failure to an error code and HTTP status.
func classify(err error) (string, int) {
	var qe *rag.QueryError
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		return httputil.CodeBadRequest, http.StatusBadRequest
	case errors.Is(err, prompt.ErrBudgetTooSmall):
		return httputil.CodeInternal, http.StatusInternalServerError
	case errors.Is(err, vector.ErrDimensionMismatch), errors.Is(err, vector.ErrNotBound):
		return httputil.CodeInternal, http.StatusInternalServerError
	case errors.As(err, &qe) && qe.Stage == rag.StageGenerate:
		return httputil.CodeUnavailable, http.StatusBadGateway
	case errors.As(err, &qe):
		return httputil.CodeUnavailable, http.StatusServiceUnavailable
	}
	return httputil.CodeInternal, http.StatusInternalServerError
}
