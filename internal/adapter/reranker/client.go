package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ProviderJina   = "jina"
	ProviderCohere = "cohere"
)

var endpoints = map[string]struct {
	url   string
	model string
}{
	ProviderJina:   {url: "https://api.jina.ai/v1/rerank", model: "jina-reranker-v1-base-en"},
	ProviderCohere: {url: "https://api.cohere.ai/v1/rerank", model: "rerank-english-v3.0"},
}

// Client calls a hosted cross-encoder. An empty or unknown provider keeps the
// input order.
type Client struct {
	apiKey   string
	provider string
	client   *http.Client
	baseURL  string
}

func NewClient(provider, apiKey string) *Client {
	return &Client{
		provider: provider,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

// Enabled reports whether Rerank does more than return the identity order.
func (c *Client) Enabled() bool {
	_, ok := endpoints[c.provider]
	return ok
}

// Rerank returns indices into docs, most relevant first.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	ep, ok := endpoints[c.provider]
	if !ok || len(docs) == 0 {
		indices := make([]int, len(docs))
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}

	url := ep.url
	if c.baseURL != "" {
		url = c.baseURL
	}
	reqBody := map[string]interface{}{
		"model":     ep.model,
		"query":     query,
		"documents": docs,
	}
	if c.provider == ProviderCohere {
		reqBody["top_n"] = len(docs)
		reqBody["return_documents"] = false
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s rerank: %w", c.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s api error: %d: %s", c.provider, resp.StatusCode, bytes.TrimSpace(body))
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%s rerank: decode: %w", c.provider, err)
	}

	indices := make([]int, 0, len(docs))
	seen := make(map[int]bool, len(docs))
	for _, r := range result.Results {
		if r.Index >= 0 && r.Index < len(docs) && !seen[r.Index] {
			seen[r.Index] = true
			indices = append(indices, r.Index)
		}
	}
	return indices, nil
}
