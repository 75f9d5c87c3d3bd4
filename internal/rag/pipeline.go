package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"groundrag/internal/generation"
	"groundrag/internal/prompt"
	"groundrag/internal/retrieval"
	"groundrag/internal/vector"
)

const (
	StageEmbed    = retrieval.StageEmbed
	StageSearch   = retrieval.StageSearch
	StagePrompt   = "prompt"
	StageGenerate = "generate"
)

// NoContextAnswer is returned without calling the generator when retrieval finds nothing.
const NoContextAnswer = "I couldn't find relevant information in my knowledge base to answer this question. Please try rephrasing or consult a qualified professional."

const snippetLength = 100

// QueryError tells callers which stage of a query failed.
type QueryError struct {
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed at %s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]vector.SearchResult, error)
}

type Assembler interface {
	Assemble(query string, results []vector.SearchResult) (*prompt.Prompt, error)
}

type Generator interface {
	Generate(ctx context.Context, p *prompt.Prompt) (*generation.Completion, error)
	GenerateStream(ctx context.Context, p *prompt.Prompt, onFragment func(string) error) (*generation.Completion, error)
}

// Source is a cited chunk as shown to a consumer.
type Source struct {
	Marker     string  `json:"marker"`
	ChunkID    int64   `json:"chunkId"`
	SourceFile string  `json:"sourceFile"`
	ChunkIndex int     `json:"chunkIndex"`
	Page       int     `json:"page,omitempty"`
	Snippet    string  `json:"snippet"`
	Similarity float64 `json:"similarity"`
}

type Answer struct {
	Query   string   `json:"query"`
	Text    string   `json:"answer"`
	Model   string   `json:"model,omitempty"`
	Sources []Source `json:"sources"`
	// Cited are the markers the answer text references.
	Cited           []string `json:"cited"`
	NoContext       bool     `json:"noContext"`
	ChunksRetrieved int      `json:"chunksRetrieved"`
	ChunksDropped   int      `json:"chunksDropped,omitempty"`
	LatencyMs       int64    `json:"latencyMs"`
}

type AskOptions struct {
	TopK          int
	SourceFile    string
	MinSimilarity float64
}

func (o AskOptions) retrieval() retrieval.Options {
	return retrieval.Options{TopK: o.TopK, SourceFile: o.SourceFile, MinSimilarity: o.MinSimilarity}
}

// Pipeline runs retrieval, prompt assembly and generation for one query.
type Pipeline struct {
	retriever Retriever
	assembler Assembler
	generator Generator
}

func NewPipeline(r Retriever, a Assembler, g Generator) *Pipeline {
	return &Pipeline{retriever: r, assembler: a, generator: g}
}

// Ask answers query from the knowledge base. On a generation failure the
// returned Answer still carries the retrieved sources alongside the error.
func (p *Pipeline) Ask(ctx context.Context, query string, opts AskOptions) (*Answer, error) {
	start := time.Now()
	results, pr, ans, err := p.prepare(ctx, query, opts)
	if err != nil || ans.NoContext {
		return ans, err
	}

	c, err := p.generator.Generate(ctx, pr)
	ans.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		slog.ErrorContext(ctx, "answer unavailable, returning context only", "stage", StageGenerate, "sources", len(results), "error", err)
		return ans, &QueryError{Stage: StageGenerate, Err: err}
	}
	ans.Text = c.Text
	ans.Model = c.Model
	ans.Cited = c.Cited
	return ans, nil
}

// EventType values, in emission order.
const (
	EventSources  = "sources"
	EventFragment = "fragment"
	EventDone     = "done"
)

type Event struct {
	Type    string   `json:"type"`
	Sources []Source `json:"sources,omitempty"`
	Content string   `json:"content,omitempty"`
	Answer  *Answer  `json:"answer,omitempty"`
}

// AskStream emits the sources first, then answer fragments as they arrive,
// then a done event carrying the full Answer. An error from emit stops the stream.
func (p *Pipeline) AskStream(ctx context.Context, query string, opts AskOptions, emit func(Event) error) (*Answer, error) {
	start := time.Now()
	_, pr, ans, err := p.prepare(ctx, query, opts)
	if err != nil {
		return ans, err
	}

	if err := emit(Event{Type: EventSources, Sources: ans.Sources}); err != nil {
		return ans, err
	}

	if ans.NoContext {
		if err := emit(Event{Type: EventFragment, Content: ans.Text}); err != nil {
			return ans, err
		}
		return ans, emit(Event{Type: EventDone, Answer: ans})
	}

	var emitErr error
	c, err := p.generator.GenerateStream(ctx, pr, func(fragment string) error {
		emitErr = emit(Event{Type: EventFragment, Content: fragment})
		return emitErr
	})
	ans.LatencyMs = time.Since(start).Milliseconds()
	if emitErr != nil {
		return ans, emitErr
	}
	if err != nil {
		slog.ErrorContext(ctx, "answer stream failed", "stage", StageGenerate, "error", err)
		return ans, &QueryError{Stage: StageGenerate, Err: err}
	}
	ans.Text = c.Text
	ans.Model = c.Model
	ans.Cited = c.Cited
	return ans, emit(Event{Type: EventDone, Answer: ans})
}

// prepare retrieves and assembles. With no results it returns the canned
// no-context Answer and a nil prompt.
func (p *Pipeline) prepare(ctx context.Context, query string, opts AskOptions) ([]vector.SearchResult, *prompt.Prompt, *Answer, error) {
	results, err := p.retriever.Retrieve(ctx, query, opts.retrieval())
	if err != nil {
		stage := StageSearch
		var re *retrieval.Error
		if errors.As(err, &re) {
			stage = re.Stage
		}
		return nil, nil, nil, &QueryError{Stage: stage, Err: err}
	}

	if len(results) == 0 {
		slog.WarnContext(ctx, "no relevant chunks found", "query", query)
		return nil, nil, &Answer{
			Query:     query,
			Text:      NoContextAnswer,
			Sources:   []Source{},
			Cited:     []string{},
			NoContext: true,
		}, nil
	}

	pr, err := p.assembler.Assemble(query, results)
	if err != nil {
		return nil, nil, nil, &QueryError{Stage: StagePrompt, Err: err}
	}

	return results, pr, &Answer{
		Query:           query,
		Sources:         sources(pr, results),
		Cited:           []string{},
		ChunksRetrieved: len(results),
		ChunksDropped:   pr.Dropped,
	}, nil
}

func sources(pr *prompt.Prompt, results []vector.SearchResult) []Source {
	content := make(map[int64]string, len(results))
	for _, r := range results {
		content[r.ID] = r.Content
	}

	out := make([]Source, len(pr.Citations))
	for i, c := range pr.Citations {
		out[i] = Source{
			Marker:     c.Marker,
			ChunkID:    c.ChunkID,
			SourceFile: c.SourceFile,
			ChunkIndex: c.ChunkIndex,
			Page:       c.Page,
			Snippet:    Snippet(content[c.ChunkID]),
			Similarity: math.Round(c.Similarity*1000) / 1000,
		}
	}
	return out
}

// Snippet shortens content to a preview, cutting on a rune boundary.
func Snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "..."
}
