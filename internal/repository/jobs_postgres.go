package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var jobColumnNames = []string{
	"id",
	"tool_type",
	"operation_type",
	"status",
	"input_filename",
	"input_ref",
	"file_size",
	"output_ref",
	"input_format",
	"output_format",
	"options",
	"warnings",
	"duration",
	"client_ip",
	"user_agent",
	"error_message",
	"created_at",
	"completed_at",
	"claimed_by",
	"lease_expires_at",
}

func jobColumns(prefix string) string {
	names := make([]string, len(jobColumnNames))
	for i, name := range jobColumnNames {
		names[i] = prefix + name
	}
	return strings.Join(names, ", ")
}

type PostgresJobsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresJobsRepository(pool *pgxpool.Pool) *PostgresJobsRepository {
	return &PostgresJobsRepository{pool: pool}
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode job options: %w", err)
	}
	warnings := job.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO conversion_jobs (`+jobColumns("")+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		job.ID,
		string(job.ToolType),
		string(job.OperationType),
		string(job.Status),
		job.InputFilename,
		job.InputRef,
		job.FileSize,
		nullString(job.OutputRef),
		job.InputFormat,
		job.OutputFormat,
		options,
		warnings,
		job.Duration,
		job.ClientIP,
		job.UserAgent,
		nullString(job.ErrorMessage),
		job.CreatedAt,
		job.CompletedAt,
		nullString(job.ClaimedBy),
		job.LeaseExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns("")+` FROM conversion_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ClaimJob takes the lease in a single conditional update. When no row matches
// the job is reloaded to tell a missing job, a terminal job and a live foreign
// lease apart.
func (r *PostgresJobsRepository) ClaimJob(
	ctx context.Context,
	jobID string,
	workerID string,
	now time.Time,
	lease time.Duration,
) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status = 'processing',
			claimed_by = $2,
			lease_expires_at = $3
		WHERE id = $1
		  AND (
			status = 'pending'
			OR (
				status = 'processing'
				AND (claimed_by IS NULL OR claimed_by = $2 OR lease_expires_at IS NULL OR lease_expires_at <= $4)
			)
		  )
		RETURNING `+jobColumns(""),
		jobID, workerID, now.Add(lease).UTC(), now.UTC(),
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	current, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return nil, domain.ErrInvalidTransition
	}
	return nil, domain.ErrLeaseHeld
}

func (r *PostgresJobsRepository) ExtendLease(ctx context.Context, jobID, workerID string, until time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET lease_expires_at = $3
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2
	`, jobID, workerID, until.UTC())
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrLeaseHeld
	}
	return nil
}

func (r *PostgresJobsRepository) UpdateMetadata(
	ctx context.Context,
	jobID string,
	duration *float64,
	warnings []string,
) error {
	if warnings == nil {
		warnings = []string{}
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET duration = COALESCE($2, duration),
			warnings = $3
		WHERE id = $1
	`, jobID, duration, warnings)
	if err != nil {
		return fmt.Errorf("update job metadata: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobsRepository) CompleteJob(
	ctx context.Context,
	jobID string,
	outputRef string,
	at time.Time,
) (*domain.Job, error) {
	return r.completeJob(ctx, r.pool, jobID, outputRef, at)
}

// CompleteWithArtifact completes the job and inserts its artifact in one
// transaction, so a completed job always has a downloadable record.
func (r *PostgresJobsRepository) CompleteWithArtifact(
	ctx context.Context,
	jobID string,
	outputRef string,
	at time.Time,
	artifact *domain.Artifact,
) (*domain.Job, error) {
	var completed *domain.Job
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		job, err := r.completeJob(ctx, tx, jobID, outputRef, at)
		if err != nil {
			return err
		}
		if err := insertArtifact(ctx, tx, artifact); err != nil {
			return err
		}
		completed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completed, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresJobsRepository) completeJob(
	ctx context.Context,
	db rowQuerier,
	jobID string,
	outputRef string,
	at time.Time,
) (*domain.Job, error) {
	if strings.TrimSpace(outputRef) == "" {
		return nil, errors.New("completed job requires an output reference")
	}
	row := db.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status = 'completed',
			output_ref = $2,
			completed_at = $3,
			error_message = NULL,
			claimed_by = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns(""),
		jobID, outputRef, at.UTC(),
	)
	return r.finishTransition(ctx, jobID, row, "complete job")
}

func (r *PostgresJobsRepository) FailJob(ctx context.Context, jobID, message string, at time.Time) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE conversion_jobs
		SET status = 'failed',
			error_message = $2,
			completed_at = $3,
			claimed_by = NULL,
			lease_expires_at = NULL
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING `+jobColumns(""),
		jobID, message, at.UTC(),
	)
	return r.finishTransition(ctx, jobID, row, "fail job")
}

func (r *PostgresJobsRepository) finishTransition(
	ctx context.Context,
	jobID string,
	row pgx.Row,
	action string,
) (*domain.Job, error) {
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return nil, domain.ErrInvalidTransition
}

func (r *PostgresJobsRepository) FindActiveDuplicate(
	ctx context.Context,
	query domain.DuplicateQuery,
) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns("")+`
		FROM conversion_jobs
		WHERE client_ip = $1
		  AND tool_type = $2
		  AND file_size = $3
		  AND status IN ('pending', 'processing')
		  AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT 1
	`, query.ClientIP, string(query.ToolType), query.FileSize, query.Since.UTC())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query duplicate job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) CountActiveJobs(ctx context.Context, query domain.ActiveJobsQuery) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM conversion_jobs
		WHERE client_ip = $1
		  AND status IN ('pending', 'processing')
		  AND created_at >= $2
		  AND ($3::text = '' OR tool_type = $3::text)
		  AND ($4::text = '' OR operation_type = $4::text)
	`, query.ClientIP, query.Since.UTC(), string(query.ToolType), string(query.Operation)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return count, nil
}

func (r *PostgresJobsRepository) ListJobsByClient(
	ctx context.Context,
	clientIP string,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns("")+`
		FROM conversion_jobs
		WHERE client_ip = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, clientIP, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ReleaseExpiredLeases clears stale claims so the jobs can be claimed again.
// Status stays processing; rows locked by a concurrent pass are skipped.
func (r *PostgresJobsRepository) ReleaseExpiredLeases(
	ctx context.Context,
	now time.Time,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		WITH expired AS (
			SELECT id
			FROM conversion_jobs
			WHERE status = 'processing'
			  AND lease_expires_at IS NOT NULL
			  AND lease_expires_at < $1
			ORDER BY lease_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE conversion_jobs j
		SET claimed_by = NULL,
			lease_expires_at = NULL
		FROM expired
		WHERE j.id = expired.id
		RETURNING `+jobColumns("j."),
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("release expired leases: %w", err)
	}
	return collectJobs(rows)
}

// RearmLease puts an unclaimed job back in reach of the next reclaim pass after
// its re-enqueue failed. A job claimed in the meantime is left alone.
func (r *PostgresJobsRepository) RearmLease(ctx context.Context, jobID string, at time.Time) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE conversion_jobs
		SET lease_expires_at = $2
		WHERE id = $1 AND status IN ('pending', 'processing') AND claimed_by IS NULL
	`, jobID, at.UTC())
	if err != nil {
		return fmt.Errorf("rearm lease: %w", err)
	}
	if command.RowsAffected() == 0 {
		return domain.ErrLeaseHeld
	}
	return nil
}

// MarkStalePending selects pending jobs older than createdBefore that are due for
// another enqueue and pushes their next check to nextCheck.
func (r *PostgresJobsRepository) MarkStalePending(
	ctx context.Context,
	createdBefore time.Time,
	now time.Time,
	nextCheck time.Time,
	limit int,
) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		WITH stale AS (
			SELECT id
			FROM conversion_jobs
			WHERE status = 'pending'
			  AND created_at < $1
			  AND (lease_expires_at IS NULL OR lease_expires_at < $2)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE conversion_jobs j
		SET lease_expires_at = $3
		FROM stale
		WHERE j.id = stale.id
		RETURNING `+jobColumns("j."),
		createdBefore.UTC(), now.UTC(), nextCheck.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("mark stale pending jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *PostgresJobsRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	items := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return items, nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job          domain.Job
		toolType     string
		operation    string
		status       string
		outputRef    *string
		options      []byte
		errorMessage *string
		claimedBy    *string
	)
	err := row.Scan(
		&job.ID,
		&toolType,
		&operation,
		&status,
		&job.InputFilename,
		&job.InputRef,
		&job.FileSize,
		&outputRef,
		&job.InputFormat,
		&job.OutputFormat,
		&options,
		&job.Warnings,
		&job.Duration,
		&job.ClientIP,
		&job.UserAgent,
		&errorMessage,
		&job.CreatedAt,
		&job.CompletedAt,
		&claimedBy,
		&job.LeaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	job.ToolType = domain.ToolType(toolType)
	job.OperationType = domain.OperationType(operation)
	job.Status = domain.JobStatus(status)
	job.OutputRef = derefString(outputRef)
	job.ErrorMessage = derefString(errorMessage)
	job.ClaimedBy = derefString(claimedBy)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &job.Options); err != nil {
			return nil, fmt.Errorf("decode job options: %w", err)
		}
	}
	if job.Options == nil {
		job.Options = map[string]any{}
	}
	return &job, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
