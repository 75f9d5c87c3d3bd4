package job

import (
	"context"
	"database/sql"

	"groundrag/internal/ingest"
)

type Repository interface {
	List(ctx context.Context) ([]Failure, error)
	Get(ctx context.Context, id string) (*Failure, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

var _ ingest.FailureRecorder = (*PostgresRepo)(nil)

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// RecordFailure upserts by source file; a repeat failure bumps retries.
func (r *PostgresRepo) RecordFailure(ctx context.Context, f ingest.Failure) error {
	query := `INSERT INTO failed_ingestions (source_file, path, stage, error)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source_file) DO UPDATE
SET path = EXCLUDED.path, stage = EXCLUDED.stage, error = EXCLUDED.error,
    retries = failed_ingestions.retries + 1, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query, f.SourceFile, f.Path, f.Stage, f.Error)
	return err
}

func (r *PostgresRepo) ClearFailure(ctx context.Context, sourceFile string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_ingestions WHERE source_file = $1`, sourceFile)
	return err
}

func (r *PostgresRepo) List(ctx context.Context) ([]Failure, error) {
	query := `SELECT id, source_file, path, stage, error, retries, created_at, updated_at FROM failed_ingestions ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := []Failure{}
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.SourceFile, &f.Path, &f.Stage, &f.Error, &f.Retries, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Failure, error) {
	f := &Failure{}
	query := `SELECT id, source_file, path, stage, error, retries, created_at, updated_at FROM failed_ingestions WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&f.ID, &f.SourceFile, &f.Path, &f.Stage, &f.Error, &f.Retries, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_ingestions WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_ingestions`).Scan(&count)
	return count, err
}
