package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"groundrag/internal/generation"
)

const DefaultGenerationModel = "gemini-1.5-flash"

type Generator struct {
	client *genai.Client
	model  string
}

func NewGenerator(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Generator, error) {
	if model == "" {
		model = DefaultGenerationModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Generator{client: client, model: model}, nil
}

func (g *Generator) Model() string { return g.model }

func (g *Generator) configured(p generation.Params) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(p.Temperature)
	if p.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(p.MaxTokens))
	}
	return m
}

func (g *Generator) Complete(ctx context.Context, prompt string, p generation.Params) (string, error) {
	resp, err := g.configured(p).GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", err
	}
	text, ok := responseText(resp)
	if !ok {
		return "", errors.New("gemini returned no candidates")
	}
	return text, nil
}

func (g *Generator) Stream(ctx context.Context, prompt string, p generation.Params, onFragment func(string) error) error {
	iter := g.configured(p).GenerateContentStream(ctx, genai.Text(prompt))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if text, ok := responseText(resp); ok && text != "" {
			if err := onFragment(text); err != nil {
				return err
			}
		}
	}
}

func (g *Generator) Close() error {
	return g.client.Close()
}

func responseText(resp *genai.GenerateContentResponse) (string, bool) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", false
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), true
}
