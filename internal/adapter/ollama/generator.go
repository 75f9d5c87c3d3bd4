package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"groundrag/internal/generation"
)

const DefaultGenerationModel = "llama3"

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type options struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float32 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generator calls /api/generate, atomically or as an NDJSON stream.
type Generator struct {
	client
}

func NewGenerator(cfg Config) *Generator {
	if cfg.Model == "" {
		cfg.Model = DefaultGenerationModel
	}
	return &Generator{client: newClient(cfg)}
}

func (g *Generator) Model() string { return g.model }

func (g *Generator) request(prompt string, p generation.Params, stream bool) generateRequest {
	return generateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: stream,
		Options: &options{
			NumPredict:  p.MaxTokens,
			Temperature: p.Temperature,
		},
	}
}

func (g *Generator) Complete(ctx context.Context, prompt string, p generation.Params) (string, error) {
	resp, err := g.post(ctx, "/api/generate", g.request(prompt, p, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Response, nil
}

func (g *Generator) Stream(ctx context.Context, prompt string, p generation.Params, onFragment func(string) error) error {
	resp, err := g.post(ctx, "/api/generate", g.request(prompt, p, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg generateResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("decode stream line: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("ollama error: %s", msg.Error)
		}
		if msg.Response != "" {
			if err := onFragment(msg.Response); err != nil {
				return err
			}
		}
		if msg.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errors.New("ollama stream ended before done")
}
