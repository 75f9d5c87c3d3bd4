package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundrag/internal/vector"
)

var testIdentity = vector.Identity{Model: "all-minilm", Dimensions: 3}

func newBound(t *testing.T, opts Options) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, opts)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT model, dimensions FROM store_identity FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"model", "dimensions"}).AddRow("all-minilm", 3))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM pg_indexes`)).
		WithArgs(indexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()
	require.NoError(t, s.Bind(context.Background(), testIdentity))
	return s, mock
}

func expectIndexCheck(mock sqlmock.Sqlmock, rows int) {
	mock.ExpectQuery(regexp.QuoteMeta(`FROM pg_indexes`)).
		WithArgs(indexName).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM chunks`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(rows))
}

func TestStore_BindFirstUse(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, Options{Lists: 50})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT model, dimensions FROM store_identity FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"model", "dimensions"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO store_identity (model, dimensions) VALUES ($1, $2)`)).
		WithArgs("all-minilm", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(3)`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// An empty table gets no index yet.
	expectIndexCheck(mock, 0)
	mock.ExpectCommit()

	require.NoError(t, s.Bind(context.Background(), testIdentity))
	assert.Equal(t, 3, s.dimensions())
	assert.NoError(t, mock.ExpectationsWereMet())

	// Without the index, searches scan exactly.
	q := []float32{0.1, 0.2, 0.3}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL enable_indexscan = off`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(rankedSearch)).
		WithArgs(pgvector.NewVector(q), 5).
		WillReturnRows(searchRows())
	mock.ExpectCommit()

	_, err = s.Search(context.Background(), q, 5, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_BindBuildsIndexOnceRowsExist(t *testing.T) {
	tests := []struct {
		name      string
		rows      int
		wantIndex bool
	}{
		{name: "Fewer rows than lists", rows: 49, wantIndex: false},
		{name: "Enough rows", rows: 50, wantIndex: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			s := NewStore(db, Options{Lists: 50})
			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta(`SELECT model, dimensions FROM store_identity FOR UPDATE`)).
				WillReturnRows(sqlmock.NewRows([]string{"model", "dimensions"}).AddRow("all-minilm", 3))
			expectIndexCheck(mock, tt.rows)
			if tt.wantIndex {
				mock.ExpectExec(regexp.QuoteMeta(`USING ivfflat (embedding vector_cosine_ops) WITH (lists = 50)`)).
					WillReturnResult(sqlmock.NewResult(0, 0))
			}
			mock.ExpectCommit()

			require.NoError(t, s.Bind(context.Background(), testIdentity))
			_, exact := s.searchMode()
			assert.Equal(t, !tt.wantIndex, exact)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestStore_BindIdentityMismatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, Options{})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT model, dimensions FROM store_identity FOR UPDATE`)).
		WillReturnRows(sqlmock.NewRows([]string{"model", "dimensions"}).AddRow("bge-large", 1024))
	mock.ExpectRollback()

	err = s.Bind(context.Background(), testIdentity)
	assert.ErrorIs(t, err, vector.ErrIdentityMismatch)
	assert.Equal(t, 0, s.dimensions())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Insert(t *testing.T) {
	s, mock := newBound(t, Options{})
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	vec := []float32{0.1, 0.2, 0.3}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO chunks (content, embedding, source_file, chunk_index, metadata)`)).
		WithArgs("Metformin is first-line.", pgvector.NewVector(vec), "guide.pdf", 0, `{"page":1}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(42, created))

	c := &vector.Chunk{
		Content:    "Metformin is first-line.",
		SourceFile: "guide.pdf",
		ChunkIndex: 0,
		Embedding:  vec,
		Metadata:   map[string]any{"page": 1},
	}
	require.NoError(t, s.Insert(context.Background(), c))
	assert.Equal(t, int64(42), c.ID)
	assert.Equal(t, created, c.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertDimensionMismatch(t *testing.T) {
	s, mock := newBound(t, Options{})

	err := s.Insert(context.Background(), &vector.Chunk{Content: "x", Embedding: []float32{1, 2}})
	var se *vector.StoreError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertUnbound(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewStore(db, Options{}).Insert(context.Background(), &vector.Chunk{Embedding: []float32{1}})
	assert.ErrorIs(t, err, vector.ErrNotBound)
}

func TestStore_InsertConnectionLost(t *testing.T) {
	s, mock := newBound(t, Options{})
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO chunks`)).WillReturnError(errors.New("connection reset"))

	err := s.Insert(context.Background(), &vector.Chunk{Content: "x", SourceFile: "a", Embedding: []float32{1, 0, 0}})
	var se *vector.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "insert", se.Op)
}

func searchRows() *sqlmock.Rows {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows([]string{"id", "content", "source_file", "chunk_index", "metadata", "created_at", "similarity"}).
		AddRow(1, "Metformin is first-line.", "guide.pdf", 0, []byte(`{"page":2}`), created, 0.98).
		AddRow(2, "Insulin titration.", "guide.pdf", 1, []byte(`{}`), created, 0.61)
}

func TestStore_SearchApproximate(t *testing.T) {
	s, mock := newBound(t, Options{Probes: 10})
	q := []float32{0.1, 0.2, 0.3}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL ivfflat.probes = 10`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(rankedSearch)).
		WithArgs(pgvector.NewVector(q), 2).
		WillReturnRows(searchRows())
	mock.ExpectCommit()

	results, err := s.Search(context.Background(), q, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].ID)
	assert.InDelta(t, 0.98, results[0].Similarity, 1e-9)
	assert.Equal(t, float64(2), results[0].Metadata["page"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

// The id tie-break must apply before LIMIT, or search(q, k) stops being a
// prefix of search(q, k+1) when distances tie at the cut.
func TestRankedSearch_TieBreakBeforeLimit(t *testing.T) {
	assert.Regexp(t, `ORDER BY embedding <=> \$1, id\s+LIMIT \$2$`, rankedSearch)
	assert.Regexp(t, `ORDER BY embedding <=> \$1, id\s+LIMIT \$2$`, filteredSearch)
	assert.NotContains(t, rankedSearch, "FROM (")
}

func TestStore_SearchExact(t *testing.T) {
	s, mock := newBound(t, Options{Exact: true})
	q := []float32{0.1, 0.2, 0.3}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL enable_indexscan = off`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY embedding <=> $1, id`)).
		WithArgs(pgvector.NewVector(q), 5).
		WillReturnRows(searchRows())
	mock.ExpectCommit()

	results, err := s.Search(context.Background(), q, 5, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SearchFilteredIsExact(t *testing.T) {
	s, mock := newBound(t, Options{Probes: 10})
	q := []float32{0.1, 0.2, 0.3}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL enable_indexscan = off`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE source_file = $3`)).
		WithArgs(pgvector.NewVector(q), 5, "guide.pdf").
		WillReturnRows(searchRows())
	mock.ExpectCommit()

	results, err := s.Search(context.Background(), q, 5, &vector.Filter{SourceFile: "guide.pdf"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SearchDimensionMismatch(t *testing.T) {
	s, mock := newBound(t, Options{})
	_, err := s.Search(context.Background(), []float32{1, 2}, 5, nil)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SearchUnboundIsEmpty(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	results, err := NewStore(db, Options{}).Search(context.Background(), []float32{1, 2, 3}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_DeleteBySource(t *testing.T) {
	s, mock := newBound(t, Options{})
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM chunks WHERE source_file = $1`)).
		WithArgs("guide.pdf").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := s.DeleteBySource(context.Background(), "guide.pdf")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestStore_ListSourcesAndCount(t *testing.T) {
	s, mock := newBound(t, Options{})
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT source_file, COUNT(*), MAX(created_at) FROM chunks GROUP BY source_file`)).
		WillReturnRows(sqlmock.NewRows([]string{"source_file", "count", "max"}).
			AddRow("a.pdf", 3, now).
			AddRow("b.txt", 1, now))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM chunks`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	sources, err := s.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "a.pdf", sources[0].SourceFile)
	assert.Equal(t, 3, sources[0].Chunks)

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
