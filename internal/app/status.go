package app

import (
	"context"
	"net/http"
	"time"

	"groundrag/internal/httputil"
)

const pingTimeout = 5 * time.Second

type componentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type statusResponse struct {
	Store           componentStatus `json:"store"`
	Generation      componentStatus `json:"generation"`
	EmbeddingModel  string          `json:"embeddingModel"`
	GenerationModel string          `json:"generationModel"`
	Reranking       bool            `json:"reranking"`
}

type statusHandler struct {
	deps *Dependencies
}

// ServeHTTP pings the store and the generation backend. Backends without a
// ping report "unknown" and do not fail the check.
func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	resp := statusResponse{
		Store:           ping(ctx, h.deps.Store),
		Generation:      ping(ctx, h.deps.Completer),
		EmbeddingModel:  h.deps.Embedder.Identity().String(),
		GenerationModel: h.deps.Completer.Model(),
		Reranking:       h.deps.Reranker != nil,
	}

	status := http.StatusOK
	if resp.Store.Status == "down" || resp.Generation.Status == "down" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteData(r.Context(), w, status, resp)
}

func ping(ctx context.Context, component any) componentStatus {
	p, ok := component.(Pinger)
	if !ok {
		return componentStatus{Status: "unknown"}
	}
	if err := p.Ping(ctx); err != nil {
		return componentStatus{Status: "down", Error: err.Error()}
	}
	return componentStatus{Status: "ok"}
}
