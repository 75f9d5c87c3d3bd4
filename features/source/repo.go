package source

import (
	"context"

	"groundrag/internal/ingest"
	"groundrag/internal/vector"
)

// Catalog is the part of the vector store that knows which files were ingested.
// The chunks table is the only record of a source; there is no separate table.
type Catalog interface {
	ListSources(ctx context.Context) ([]vector.Source, error)
	DeleteBySource(ctx context.Context, sourceFile string) (int, error)
}

type Ingester interface {
	IngestFile(ctx context.Context, path string, opts ingest.Options) (ingest.DocumentResult, error)
	IngestDirectory(ctx context.Context, dir string, opts ingest.Options) (*ingest.Report, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Source = vector.Source
