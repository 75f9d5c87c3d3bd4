package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pgvector/pgvector-go"

	"groundrag/internal/vector"
)

type Options struct {
	// Lists is the IVFFlat partition count used when the index is created.
	Lists int
	// Probes is how many partitions an approximate search visits.
	Probes int
	// Exact disables the index so every search is a full scan.
	Exact bool
}

// Store keeps chunks in Postgres with an IVFFlat cosine index.
type Store struct {
	db   *sql.DB
	opts Options

	mu      sync.RWMutex
	dims    int
	indexed bool
}

func NewStore(db *sql.DB, opts Options) *Store {
	if opts.Lists <= 0 {
		opts.Lists = 100
	}
	if opts.Probes <= 0 {
		opts.Probes = 1
	}
	return &Store{db: db, opts: opts}
}

// Bind records the embedding identity on first use and fixes the column
// dimension. It also builds the ANN index once enough rows exist, so a store
// bound before ingestion gets its index on the next Bind. Later calls must
// present the same identity.
func (s *Store) Bind(ctx context.Context, id vector.Identity) error {
	if id.Dimensions <= 0 {
		return &vector.StoreError{Op: "bind", Err: fmt.Errorf("%w: dimensions must be positive", vector.ErrInvalidChunk)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return vector.NewStoreError("bind", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var have vector.Identity
	err = tx.QueryRowContext(ctx, `SELECT model, dimensions FROM store_identity FOR UPDATE`).Scan(&have.Model, &have.Dimensions)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO store_identity (model, dimensions) VALUES ($1, $2)`, id.Model, id.Dimensions); err != nil {
			return vector.NewStoreError("bind", err)
		}
		// Dimension is a validated integer, not user text.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)`, id.Dimensions)); err != nil {
			return vector.NewStoreError("bind", err)
		}
	case err != nil:
		return vector.NewStoreError("bind", err)
	case have != id:
		return &vector.StoreError{Op: "bind", Err: fmt.Errorf("%w: have %s, got %s", vector.ErrIdentityMismatch, have, id)}
	}

	indexed, err := s.ensureIndex(ctx, tx)
	if err != nil {
		return vector.NewStoreError("bind", err)
	}

	if err := tx.Commit(); err != nil {
		return vector.NewStoreError("bind", err)
	}

	s.mu.Lock()
	s.dims = id.Dimensions
	s.indexed = indexed
	s.mu.Unlock()
	return nil
}

const indexName = "idx_chunks_embedding_ivfflat"

// ensureIndex builds the IVFFlat index once the table holds at least Lists
// rows. IVFFlat centroids come from the rows present at build time, so an
// index built on an empty table would partition on nothing and under-fill
// approximate searches. Until the index exists every search is exact.
func (s *Store) ensureIndex(ctx context.Context, tx *sql.Tx) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE tablename = 'chunks' AND indexname = $1)`, indexName).Scan(&exists)
	if err != nil || exists {
		return exists, err
	}

	var rows int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&rows); err != nil {
		return false, err
	}
	if rows < s.opts.Lists {
		return false, nil
	}

	// Lists is a validated integer, not user text.
	ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, indexName, s.opts.Lists)
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) searchMode() (dims int, exact bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims, s.opts.Exact || !s.indexed
}

func (s *Store) dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

func (s *Store) Insert(ctx context.Context, c *vector.Chunk) error {
	dims := s.dimensions()
	if dims == 0 {
		return &vector.StoreError{Op: "insert", Err: vector.ErrNotBound}
	}
	if err := vector.CheckDimensions("insert", dims, c.Embedding); err != nil {
		return err
	}

	md := c.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return &vector.StoreError{Op: "insert", Err: fmt.Errorf("%w: metadata: %v", vector.ErrInvalidChunk, err)}
	}

	query := `INSERT INTO chunks (content, embedding, source_file, chunk_index, metadata) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	err = s.db.QueryRowContext(ctx, query, c.Content, pgvector.NewVector(c.Embedding), c.SourceFile, c.ChunkIndex, string(mdJSON)).
		Scan(&c.ID, &c.CreatedAt)
	return vector.NewStoreError("insert", err)
}

const (
	// With the index enabled, the IVFFlat scan yields rows by distance and an
	// incremental sort applies the id tie-break before LIMIT, so equal
	// distances are never cut arbitrarily.
	rankedSearch = `SELECT id, content, source_file, chunk_index, metadata, created_at, 1 - (embedding <=> $1) AS similarity
FROM chunks
ORDER BY embedding <=> $1, id
LIMIT $2`

	filteredSearch = `SELECT id, content, source_file, chunk_index, metadata, created_at, 1 - (embedding <=> $1) AS similarity
FROM chunks
WHERE source_file = $3
ORDER BY embedding <=> $1, id
LIMIT $2`
)

// Search ranks by cosine similarity. Filtered searches, Exact mode and a
// store without its index yet scan every candidate, so they never under-fill.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter *vector.Filter) ([]vector.SearchResult, error) {
	dims, exact := s.searchMode()
	if dims == 0 {
		return []vector.SearchResult{}, nil
	}
	if err := vector.CheckDimensions("search", dims, query); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return []vector.SearchResult{}, nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, vector.NewStoreError("search", err)
	}
	defer tx.Rollback() //nolint:errcheck

	sqlText := rankedSearch
	args := []any{pgvector.NewVector(query), topK}
	if filter != nil && filter.SourceFile != "" {
		sqlText = filteredSearch
		args = append(args, filter.SourceFile)
		exact = true
	}

	setting := fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, s.opts.Probes)
	if exact {
		setting = `SET LOCAL enable_indexscan = off`
	}
	if _, err := tx.ExecContext(ctx, setting); err != nil {
		return nil, vector.NewStoreError("search", err)
	}

	rows, err := tx.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, vector.NewStoreError("search", err)
	}
	defer rows.Close()

	results := []vector.SearchResult{}
	for rows.Next() {
		var r vector.SearchResult
		var md []byte
		if err := rows.Scan(&r.ID, &r.Content, &r.SourceFile, &r.ChunkIndex, &md, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, vector.NewStoreError("search", err)
		}
		if len(md) > 0 {
			if err := json.Unmarshal(md, &r.Metadata); err != nil {
				return nil, vector.NewStoreError("search", fmt.Errorf("decode metadata for chunk %d: %w", r.ID, err))
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, vector.NewStoreError("search", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, vector.NewStoreError("search", err)
	}
	return results, nil
}

func (s *Store) DeleteBySource(ctx context.Context, sourceFile string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_file = $1`, sourceFile)
	if err != nil {
		return 0, vector.NewStoreError("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, vector.NewStoreError("delete", err)
	}
	return int(n), nil
}

func (s *Store) ListSources(ctx context.Context) ([]vector.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_file, COUNT(*), MAX(created_at) FROM chunks GROUP BY source_file ORDER BY source_file`)
	if err != nil {
		return nil, vector.NewStoreError("list sources", err)
	}
	defer rows.Close()

	sources := []vector.Source{}
	for rows.Next() {
		var src vector.Source
		if err := rows.Scan(&src.SourceFile, &src.Chunks, &src.IngestedAt); err != nil {
			return nil, vector.NewStoreError("list sources", err)
		}
		sources = append(sources, src)
	}
	return sources, vector.NewStoreError("list sources", rows.Err())
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, vector.NewStoreError("count", err)
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return vector.NewStoreError("ping", s.db.PingContext(ctx))
}
