package ollama

import (
	"context"
	"encoding/json"
	"fmt"
)

const DefaultEmbeddingModel = "all-minilm"

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embedder calls /api/embed, which accepts a batch of inputs in one request.
type Embedder struct {
	client
	dimensions int
}

func NewEmbedder(cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultEmbeddingModel
	}
	return &Embedder{client: newClient(cfg), dimensions: cfg.Dimensions}
}

func (e *Embedder) Model() string   { return e.model }
func (e *Embedder) Dimensions() int { return e.dimensions }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.post(ctx, "/api/embed", embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Embeddings, nil
}
