package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"groundrag/internal/prompt"
)

type Params struct {
	Temperature float32
	MaxTokens   int
}

// Completer produces a whole completion in one call.
type Completer interface {
	Complete(ctx context.Context, prompt string, p Params) (string, error)
	Model() string
}

// Streamer delivers a completion as incremental fragments. Returning an error
// from onFragment stops the stream.
type Streamer interface {
	Stream(ctx context.Context, prompt string, p Params, onFragment func(string) error) error
}

// Error wraps a failure of the completion service.
type Error struct {
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation (%s): %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	// Citations are the markers that were offered in the prompt.
	Citations []string `json:"citations"`
	// Cited are the offered markers the answer actually references.
	Cited    []string      `json:"cited"`
	Duration time.Duration `json:"durationNs"`
}

type Client struct {
	backend Completer
	params  Params
	timeout time.Duration
}

func NewClient(b Completer, p Params, timeout time.Duration) *Client {
	return &Client{backend: b, params: p, timeout: timeout}
}

func (c *Client) Model() string { return c.backend.Model() }

// Generate sends the prompt and waits for the whole completion. Failures are
// not retried.
func (c *Client) Generate(ctx context.Context, p *prompt.Prompt) (*Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	text, err := c.backend.Complete(ctx, p.Text, c.params)
	if err != nil {
		slog.ErrorContext(ctx, "generation failed", "model", c.backend.Model(), "error", err)
		return nil, &Error{Model: c.backend.Model(), Err: err}
	}
	return c.completion(p, text, time.Since(start)), nil
}

// GenerateStream forwards fragments as they arrive and returns the assembled
// completion. Backends without streaming deliver one fragment.
func (c *Client) GenerateStream(ctx context.Context, p *prompt.Prompt, onFragment func(string) error) (*Completion, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	s, ok := c.backend.(Streamer)
	if !ok {
		text, err := c.backend.Complete(ctx, p.Text, c.params)
		if err != nil {
			return nil, &Error{Model: c.backend.Model(), Err: err}
		}
		if err := onFragment(text); err != nil {
			return nil, err
		}
		return c.completion(p, text, time.Since(start)), nil
	}

	var b strings.Builder
	err := s.Stream(ctx, p.Text, c.params, func(fragment string) error {
		b.WriteString(fragment)
		return onFragment(fragment)
	})
	if err != nil {
		slog.ErrorContext(ctx, "generation stream failed", "model", c.backend.Model(), "error", err)
		return nil, &Error{Model: c.backend.Model(), Err: err}
	}
	return c.completion(p, b.String(), time.Since(start)), nil
}

func (c *Client) completion(p *prompt.Prompt, text string, d time.Duration) *Completion {
	offered := p.Markers()
	return &Completion{
		Text:      text,
		Model:     c.backend.Model(),
		Citations: offered,
		Cited:     Cited(text, offered),
		Duration:  d,
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Cited returns the markers from offered that appear in text, in offered order.
func Cited(text string, offered []string) []string {
	out := []string{}
	for _, m := range offered {
		if strings.Contains(text, m) {
			out = append(out, m)
		}
	}
	return out
}
