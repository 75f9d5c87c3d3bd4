package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"groundrag/internal/config"
	"groundrag/internal/middleware"
	"groundrag/internal/text"
	"groundrag/internal/vector"
)

// Mode decides what happens when a source file is already in the store.
type Mode string

const (
	ModeSkip    Mode = "skip"
	ModeReplace Mode = "replace"
	ModeAppend  Mode = "append"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSkip, ModeReplace, ModeAppend:
		return m, nil
	case "":
		return ModeSkip, nil
	}
	return "", fmt.Errorf("unknown ingest mode %q", s)
}

const (
	StageLoad  = "load"
	StageEmbed = "embed"
	StageStore = "store"
)

// Error is a per-document failure. It never aborts a directory run.
type Error struct {
	SourceFile string
	Stage      string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest %s (%s): %v", e.SourceFile, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Store interface {
	Insert(ctx context.Context, c *vector.Chunk) error
	DeleteBySource(ctx context.Context, sourceFile string) (int, error)
	ListSources(ctx context.Context) ([]vector.Source, error)
}

// Failure is what a FailureRecorder persists for a later retry.
type Failure struct {
	SourceFile string
	Path       string
	Stage      string
	Error      string
}

// FailureRecorder keeps the latest failure per source file. A successful
// ingestion clears it.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, f Failure) error
	ClearFailure(ctx context.Context, sourceFile string) error
}

// EventPublisher matches *nsq.Producer.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

const (
	StatusIngested = "ingested"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

type DocumentResult struct {
	SourceFile string        `json:"sourceFile"`
	Path       string        `json:"path"`
	Status     string        `json:"status"`
	Chunks     int           `json:"chunks"`
	Replaced   int           `json:"replaced,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"durationNs"`
	Err        error         `json:"-"`
}

type Report struct {
	Documents []DocumentResult `json:"documents"`
	Ingested  int              `json:"ingested"`
	Skipped   int              `json:"skipped"`
	Failed    int              `json:"failed"`
	Chunks    int              `json:"chunks"`
}

func (r *Report) add(d DocumentResult) {
	r.Documents = append(r.Documents, d)
	switch d.Status {
	case StatusIngested:
		r.Ingested++
		r.Chunks += d.Chunks
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

// Errors lists the per-document failures in processing order.
func (r *Report) Errors() []error {
	var errs []error
	for _, d := range r.Documents {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errs
}

type Options struct {
	Mode Mode
}

type Pipeline struct {
	chunker  text.Chunker
	embedder Embedder
	store    Store
	failures FailureRecorder
	events   EventPublisher
}

type Option func(*Pipeline)

func WithFailureRecorder(f FailureRecorder) Option {
	return func(p *Pipeline) { p.failures = f }
}

func WithEventPublisher(e EventPublisher) Option {
	return func(p *Pipeline) { p.events = e }
}

func NewPipeline(c text.Chunker, e Embedder, s Store, opts ...Option) *Pipeline {
	p := &Pipeline{chunker: c, embedder: e, store: s}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IngestDirectory ingests every supported file in dir. Document failures are
// collected in the report; the returned error is only for a missing directory,
// an unreachable store catalog or cancellation.
func (p *Pipeline) IngestDirectory(ctx context.Context, dir string, opts Options) (*Report, error) {
	paths, err := ListDocuments(dir)
	if err != nil {
		return nil, fmt.Errorf("list documents in %s: %w", dir, err)
	}
	slog.InfoContext(ctx, "ingesting directory", "dir", dir, "documents", len(paths), "mode", opts.Mode)

	existing, err := p.existingSources(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Documents: []DocumentResult{}}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.add(p.ingest(ctx, path, opts.Mode, existing))
	}

	slog.InfoContext(ctx, "ingestion finished",
		"ingested", report.Ingested, "skipped", report.Skipped, "failed", report.Failed, "chunks", report.Chunks)
	return report, nil
}

// IngestFile ingests one document.
func (p *Pipeline) IngestFile(ctx context.Context, path string, opts Options) (DocumentResult, error) {
	existing, err := p.existingSources(ctx)
	if err != nil {
		return DocumentResult{}, err
	}
	res := p.ingest(ctx, path, opts.Mode, existing)
	return res, res.Err
}

func (p *Pipeline) existingSources(ctx context.Context) (map[string]bool, error) {
	sources, err := p.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ingested sources: %w", err)
	}
	existing := make(map[string]bool, len(sources))
	for _, s := range sources {
		existing[s.SourceFile] = true
	}
	return existing, nil
}

func (p *Pipeline) ingest(ctx context.Context, path string, mode Mode, existing map[string]bool) DocumentResult {
	start := time.Now()
	name := filepath.Base(path)
	res := DocumentResult{SourceFile: name, Path: path}

	if mode == "" {
		mode = ModeSkip
	}
	if existing[name] && mode == ModeSkip {
		slog.InfoContext(ctx, "skipping already ingested document", "source_file", name)
		res.Status = StatusSkipped
		return res
	}

	n, replaced, err := p.ingestDocument(ctx, path, existing[name] && mode == ModeReplace)
	res.Duration = time.Since(start)
	res.Replaced = replaced
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		res.Error = err.Error()
		p.recordFailure(ctx, path, err)
	} else {
		res.Status = StatusIngested
		res.Chunks = n
		existing[name] = true
		p.clearFailure(ctx, name)
		slog.InfoContext(ctx, "document ingested", "source_file", name, "chunks", n, "replaced", replaced, "duration_ms", res.Duration.Milliseconds())
	}
	p.publish(ctx, res)
	return res
}

// ingestDocument embeds every chunk before touching the store, so a replace
// only deletes the old chunks once the new ones are ready.
func (p *Pipeline) ingestDocument(ctx context.Context, path string, replace bool) (int, int, error) {
	name := filepath.Base(path)
	fail := func(stage string, err error) (int, int, error) {
		return 0, 0, &Error{SourceFile: name, Stage: stage, Err: err}
	}

	doc, err := Load(path)
	if err != nil {
		return fail(StageLoad, err)
	}

	segments := p.chunker.Split(doc.Text())
	if len(segments) == 0 {
		return fail(StageLoad, ErrEmptyDocument)
	}
	texts := make([]string, len(segments))
	for i, s := range segments {
		texts[i] = s.Text
	}

	vecs, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fail(StageEmbed, err)
	}

	replaced := 0
	if replace {
		if replaced, err = p.store.DeleteBySource(ctx, name); err != nil {
			return fail(StageStore, err)
		}
	}

	for i, s := range segments {
		md := map[string]any{
			"word_count": s.WordCount(),
			"char_count": len(s.Text),
			"start_word": s.StartWord,
		}
		if page := doc.PageAt(s.StartWord); page > 0 {
			md["page"] = page
		}
		c := &vector.Chunk{
			Content:    s.Text,
			SourceFile: name,
			ChunkIndex: s.Index,
			Embedding:  vecs[i],
			Metadata:   md,
		}
		if err := p.store.Insert(ctx, c); err != nil {
			return i, replaced, &Error{SourceFile: name, Stage: StageStore, Err: fmt.Errorf("chunk %d: %w", s.Index, err)}
		}
	}
	return len(segments), replaced, nil
}

func (p *Pipeline) recordFailure(ctx context.Context, path string, err error) {
	slog.ErrorContext(ctx, "document ingestion failed", "path", path, "error", err)
	if p.failures == nil {
		return
	}

	f := Failure{SourceFile: filepath.Base(path), Path: path, Error: err.Error()}
	var ie *Error
	if errors.As(err, &ie) {
		f.Stage = ie.Stage
	}
	if rerr := p.failures.RecordFailure(ctx, f); rerr != nil {
		slog.ErrorContext(ctx, "failed to record ingestion failure", "path", path, "error", rerr)
	}
}

func (p *Pipeline) clearFailure(ctx context.Context, sourceFile string) {
	if p.failures == nil {
		return
	}
	if err := p.failures.ClearFailure(ctx, sourceFile); err != nil {
		slog.WarnContext(ctx, "failed to clear ingestion failure", "source_file", sourceFile, "error", err)
	}
}

// ResultEvent is published on config.TopicIngestResult for every document.
type ResultEvent struct {
	SourceFile    string    `json:"sourceFile"`
	Status        string    `json:"status"`
	Chunks        int       `json:"chunks"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *Pipeline) publish(ctx context.Context, res DocumentResult) {
	if p.events == nil {
		return
	}
	body, err := json.Marshal(ResultEvent{
		SourceFile:    res.SourceFile,
		Status:        res.Status,
		Chunks:        res.Chunks,
		Error:         res.Error,
		CorrelationID: middleware.GetCorrelationID(ctx),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to encode ingest event", "error", err)
		return
	}
	if err := p.events.Publish(config.TopicIngestResult, body); err != nil {
		slog.WarnContext(ctx, "failed to publish ingest event", "source_file", res.SourceFile, "error", err)
	}
}
