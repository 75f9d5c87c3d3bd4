package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultEmbeddingModel = "text-embedding-004"

type Embedder struct {
	client     *genai.Client
	model      string
	dimensions int
}

func NewEmbedder(ctx context.Context, apiKey, model string, dimensions int, opts ...option.ClientOption) (*Embedder, error) {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model, dimensions: dimensions}, nil
}

func (e *Embedder) Model() string   { return e.model }
func (e *Embedder) Dimensions() int { return e.dimensions }

// Embed sends all texts in one batchEmbedContents call.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", e.model, "count", len(texts))

	em := e.client.EmbeddingModel(e.model)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		return nil, err
	}

	out := make([][]float32, 0, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("empty embedding received for text %d", i)
		}
		out = append(out, emb.Values)
	}
	return out, nil
}

func (e *Embedder) Close() error {
	return e.client.Close()
}
