package job

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundrag/internal/ingest"
)

var failureColumns = []string{"id", "source_file", "path", "stage", "error", "retries", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepo(db), mock
}

func TestPostgresRepo_RecordFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO failed_ingestions (source_file, path, stage, error)`)).
		WithArgs("guide.pdf", "data/raw/guide.pdf", ingest.StageEmbed, "connection refused").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.RecordFailure(context.Background(), ingest.Failure{
		SourceFile: "guide.pdf",
		Path:       "data/raw/guide.pdf",
		Stage:      ingest.StageEmbed,
		Error:      "connection refused",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_RecordFailureIsUpsert(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`ON CONFLICT (source_file) DO UPDATE`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.RecordFailure(context.Background(), ingest.Failure{SourceFile: "a.txt"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ClearFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM failed_ingestions WHERE source_file = $1`)).
		WithArgs("guide.pdf").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.ClearFailure(context.Background(), "guide.pdf"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_List(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM failed_ingestions ORDER BY updated_at DESC`)).
		WillReturnRows(sqlmock.NewRows(failureColumns).
			AddRow("id-2", "b.txt", "data/raw/b.txt", "store", "disk full", 2, now, now.Add(time.Hour)).
			AddRow("id-1", "a.txt", "data/raw/a.txt", "load", "empty document", 0, now, now))

	failures, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, "b.txt", failures[0].SourceFile)
	assert.Equal(t, 2, failures[0].Retries)
	assert.Equal(t, "load", failures[1].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_ListEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM failed_ingestions`)).
		WillReturnRows(sqlmock.NewRows(failureColumns))

	failures, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, failures)
	assert.Empty(t, failures)
}

func TestPostgresRepo_Get(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM failed_ingestions WHERE id = $1`)).
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(failureColumns).
			AddRow("id-1", "a.txt", "data/raw/a.txt", "embed", "timeout", 1, now, now))

	f, err := repo.Get(context.Background(), "id-1")
	require.NoError(t, err)
	assert.Equal(t, "data/raw/a.txt", f.Path)
	assert.Equal(t, "timeout", f.Error)
}

func TestPostgresRepo_GetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM failed_ingestions WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(failureColumns))

	f, err := repo.Get(context.Background(), "missing")
	assert.Nil(t, f)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestPostgresRepo_DeleteAndCount(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM failed_ingestions WHERE id = $1`)).
		WithArgs("id-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM failed_ingestions`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	require.NoError(t, repo.Delete(context.Background(), "id-1"))
	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
