package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const artifactColumns = `id, job_id, output_ref, output_format, filename, file_size,
	created_at, expires_at, download_count, last_downloaded_at`

type PostgresArtifactsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresArtifactsRepository(pool *pgxpool.Pool) *PostgresArtifactsRepository {
	return &PostgresArtifactsRepository{pool: pool}
}

func (r *PostgresArtifactsRepository) CreateArtifact(ctx context.Context, artifact *domain.Artifact) error {
	return insertArtifact(ctx, r.pool, artifact)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertArtifact(ctx context.Context, db execer, artifact *domain.Artifact) error {
	_, err := db.Exec(ctx, `
		INSERT INTO converted_files (`+artifactColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		artifact.ID,
		artifact.JobID,
		artifact.OutputRef,
		artifact.OutputFormat,
		artifact.Filename,
		artifact.FileSize,
		artifact.CreatedAt,
		artifact.ExpiresAt,
		artifact.DownloadCount,
		artifact.LastDownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (r *PostgresArtifactsRepository) GetArtifactByJob(ctx context.Context, jobID string) (*domain.Artifact, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+artifactColumns+`
		FROM converted_files
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, jobID)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return artifact, nil
}

func (r *PostgresArtifactsRepository) RecordDownload(
	ctx context.Context,
	artifactID string,
	at time.Time,
) (*domain.Artifact, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE converted_files
		SET download_count = download_count + 1,
			last_downloaded_at = $2
		WHERE id = $1
		RETURNING `+artifactColumns,
		artifactID, at.UTC(),
	)
	artifact, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("record download: %w", err)
	}
	return artifact, nil
}

func (r *PostgresArtifactsRepository) ListCreatedBefore(
	ctx context.Context,
	cutoff time.Time,
	limit int,
) ([]*domain.Artifact, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM converted_files
		WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired artifacts: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.Artifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		items = append(items, artifact)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresArtifactsRepository) DeleteArtifact(ctx context.Context, artifactID string) error {
	command, err := r.pool.Exec(ctx, `DELETE FROM converted_files WHERE id = $1`, artifactID)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanArtifact(row pgx.Row) (*domain.Artifact, error) {
	var artifact domain.Artifact
	err := row.Scan(
		&artifact.ID,
		&artifact.JobID,
		&artifact.OutputRef,
		&artifact.OutputFormat,
		&artifact.Filename,
		&artifact.FileSize,
		&artifact.CreatedAt,
		&artifact.ExpiresAt,
		&artifact.DownloadCount,
		&artifact.LastDownloadedAt,
	)
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}
