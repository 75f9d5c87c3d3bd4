package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"groundrag/internal/config"
	"groundrag/internal/ingest"
	"groundrag/internal/middleware"
)

var ErrNotFound = errors.New("source not found")

// PurgedEvent is published on config.TopicSourcePurged.
type PurgedEvent struct {
	SourceFile    string    `json:"sourceFile"`
	Chunks        int       `json:"chunks"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type UploadResult struct {
	ingest.DocumentResult
	ContentHash string `json:"contentHash"`
}

type Service struct {
	catalog   Catalog
	ingester  Ingester
	pub       EventPublisher
	dataDir   string
	uploadDir string
	mode      ingest.Mode
}

// NewService wires the catalog and ingester. pub may be nil.
func NewService(catalog Catalog, ing Ingester, pub EventPublisher, cfg *config.Config) *Service {
	mode, err := ingest.ParseMode(cfg.IngestMode)
	if err != nil {
		mode = ingest.ModeSkip
	}
	return &Service{
		catalog:   catalog,
		ingester:  ing,
		pub:       pub,
		dataDir:   cfg.DataDir,
		uploadDir: cfg.UploadDir,
		mode:      mode,
	}
}

func (s *Service) List(ctx context.Context) ([]Source, error) {
	return s.catalog.ListSources(ctx)
}

// Purge deletes every chunk of sourceFile.
func (s *Service) Purge(ctx context.Context, sourceFile string) (int, error) {
	n, err := s.catalog.DeleteBySource(ctx, sourceFile)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	slog.InfoContext(ctx, "source purged", "source_file", sourceFile, "chunks", n)

	if s.pub != nil {
		body, _ := json.Marshal(PurgedEvent{
			SourceFile:    sourceFile,
			Chunks:        n,
			CorrelationID: middleware.GetCorrelationID(ctx),
			Timestamp:     time.Now().UTC(),
		})
		if err := s.pub.Publish(config.TopicSourcePurged, body); err != nil {
			slog.WarnContext(ctx, "failed to publish purge event", "source_file", sourceFile, "error", err)
		}
	}
	return n, nil
}

// Ingest runs the configured data directory. An empty mode uses the configured one.
func (s *Service) Ingest(ctx context.Context, mode ingest.Mode) (*ingest.Report, error) {
	if mode == "" {
		mode = s.mode
	}
	return s.ingester.IngestDirectory(ctx, s.dataDir, ingest.Options{Mode: mode})
}

// Upload stores the file under its own directory so the source name stays the
// original base name, then ingests it.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, mode ingest.Mode) (*UploadResult, error) {
	name := filepath.Base(filename)
	if !ingest.Supported(name) {
		return nil, fmt.Errorf("%w: %s", ingest.ErrUnsupported, filepath.Ext(name))
	}
	if mode == "" {
		mode = s.mode
	}

	dir := filepath.Join(s.uploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	path := filepath.Join(dir, name)

	dst, err := os.Create(path) // #nosec G304 -- path is a fresh uuid directory plus a base name
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	hash := sha256.New()
	_, err = io.Copy(io.MultiWriter(dst, hash), r)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("write upload file: %w", err)
	}

	res, err := s.ingester.IngestFile(ctx, path, ingest.Options{Mode: mode})
	return &UploadResult{DocumentResult: res, ContentHash: fmt.Sprintf("%x", hash.Sum(nil))}, err
}
