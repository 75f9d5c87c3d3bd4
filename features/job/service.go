package job

import (
	"context"
	"log/slog"

	"groundrag/internal/ingest"
)

type Ingester interface {
	IngestFile(ctx context.Context, path string, opts ingest.Options) (ingest.DocumentResult, error)
}

type Service struct {
	repo     Repository
	ingester Ingester
	logger   *slog.Logger
}

func NewService(repo Repository, ing Ingester, logger *slog.Logger) *Service {
	return &Service{repo: repo, ingester: ing, logger: logger}
}

func (s *Service) List(ctx context.Context) ([]Failure, error) {
	return s.repo.List(ctx)
}

// Retry re-ingests the failed file, replacing whatever chunks it has. On
// success the ingester clears the failure; on failure it bumps the retry count.
func (s *Service) Retry(ctx context.Context, id string) (ingest.DocumentResult, error) {
	f, err := s.repo.Get(ctx, id)
	if err != nil {
		return ingest.DocumentResult{}, err
	}

	s.logger.InfoContext(ctx, "retrying failed ingestion", "id", id, "source_file", f.SourceFile, "retries", f.Retries)
	return s.ingester.IngestFile(ctx, f.Path, ingest.Options{Mode: ingest.ModeReplace})
}

func (s *Service) Dismiss(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}
