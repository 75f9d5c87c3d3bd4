package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sashabaranov/go-openai"

	"groundrag/internal/generation"
)

const (
	DefaultEmbeddingModel  = string(openai.SmallEmbedding3)
	DefaultGenerationModel = openai.GPT4oMini
)

// Config targets api.openai.com or any OpenAI-compatible server (vLLM,
// llama.cpp, Ollama's /v1) when BaseURL is set.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
}

func newClient(cfg Config) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

type Embedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

func NewEmbedder(cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultEmbeddingModel
	}
	return &Embedder{client: newClient(cfg), model: cfg.Model, dimensions: cfg.Dimensions}
}

func (e *Embedder) Model() string   { return e.model }
func (e *Embedder) Dimensions() int { return e.dimensions }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

type Generator struct {
	client *openai.Client
	model  string
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultGenerationModel
	}
	return &Generator{client: newClient(cfg), model: cfg.Model}
}

func (g *Generator) Model() string { return g.model }

func (g *Generator) request(prompt string, p generation.Params, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      stream,
	}
}

func (g *Generator) Complete(ctx context.Context, prompt string, p generation.Params) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, g.request(prompt, p, false))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) Stream(ctx context.Context, prompt string, p generation.Params, onFragment func(string) error) error {
	stream, err := g.client.CreateChatCompletionStream(ctx, g.request(prompt, p, true))
	if err != nil {
		return fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("chat completion stream: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onFragment(resp.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}
