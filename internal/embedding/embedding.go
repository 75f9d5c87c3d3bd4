package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"groundrag/internal/retry"
	"groundrag/internal/vector"
)

var (
	ErrInvalidInput = errors.New("invalid embedding input")
	ErrUnavailable  = errors.New("embedding backend unavailable")
	ErrMalformed    = errors.New("malformed embedding output")
)

// Error is returned for every embedding failure. Kind is one of the sentinels above.
type Error struct {
	Kind  error
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("embedding (%s): %v", e.Model, e.Kind)
	}
	return fmt.Sprintf("embedding (%s): %v: %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Backend turns texts into vectors. Implementations must return one vector per
// input, in input order.
type Backend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

type Options struct {
	BatchSize   int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Client adds batching, retries and output validation on top of a Backend.
type Client struct {
	backend Backend
	opts    Options
}

func NewClient(b Backend, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Client{backend: b, opts: opts}
}

func (c *Client) Identity() vector.Identity {
	return vector.Identity{Model: c.backend.Model(), Dimensions: c.backend.Dimensions()}
}

// Embed returns one vector per text, in order. Batching never changes the result.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, c.fail(ErrInvalidInput, fmt.Errorf("text %d is empty", i))
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.opts.BatchSize {
		end := min(start+c.opts.BatchSize, len(texts))
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	attempt := 0
	err := retry.Do(ctx, c.opts.MaxAttempts, c.opts.RetryDelay, func(ctx context.Context) error {
		attempt++
		var err error
		vecs, err = c.backend.Embed(ctx, batch)
		if err != nil {
			slog.WarnContext(ctx, "embedding batch failed", "model", c.backend.Model(), "attempt", attempt, "size", len(batch), "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(ErrUnavailable, err)
	}

	if len(vecs) != len(batch) {
		return nil, c.fail(ErrMalformed, fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch)))
	}
	dims := c.backend.Dimensions()
	for i, v := range vecs {
		if len(v) != dims {
			return nil, c.fail(ErrMalformed, fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dims))
		}
	}
	return vecs, nil
}

func (c *Client) fail(kind, err error) error {
	return &Error{Kind: kind, Model: c.backend.Model(), Err: err}
}
