package repository

import (
	"context"
	"fmt"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresUsageRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresUsageRepository(pool *pgxpool.Pool) *PostgresUsageRepository {
	return &PostgresUsageRepository{pool: pool}
}

func (r *PostgresUsageRepository) RecordUsage(ctx context.Context, entry *domain.UsageEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tool_usage_logs (
			id,
			tool_name,
			client_ip,
			user_agent,
			success,
			processing_time_ms,
			job_id,
			used_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		entry.ID,
		entry.ToolName,
		entry.ClientIP,
		domain.TruncateUserAgent(entry.UserAgent),
		entry.Success,
		entry.ProcessingTimeMS,
		nullString(entry.JobID),
		entry.UsedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

func (r *PostgresUsageRepository) CountUsageSince(ctx context.Context, query domain.UsageQuery) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tool_usage_logs
		WHERE client_ip = $1
		  AND used_at >= $2
		  AND ($3 = '' OR tool_name = $3)
	`, query.ClientIP, query.Since.UTC(), query.ToolName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	return count, nil
}

func (r *PostgresUsageRepository) ListUsageByJob(ctx context.Context, jobID string) ([]*domain.UsageEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tool_name, client_ip, user_agent, success, processing_time_ms, job_id, used_at
		FROM tool_usage_logs
		WHERE job_id = $1
		ORDER BY used_at
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.UsageEntry, 0)
	for rows.Next() {
		var (
			entry domain.UsageEntry
			job   *string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ToolName,
			&entry.ClientIP,
			&entry.UserAgent,
			&entry.Success,
			&entry.ProcessingTimeMS,
			&job,
			&entry.UsedAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		entry.JobID = derefString(job)
		items = append(items, &entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate usage: %w", rows.Err())
	}
	return items, nil
}
