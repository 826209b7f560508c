package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// JobsRepository abstracts job persistence. Every status change goes through a
// fenced method so a terminal job can never be moved again.
//
// On a pending job LeaseExpiresAt holds no lease; MarkStalePending uses it as the
// time the job may next be re-enqueued.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ClaimJob(ctx context.Context, jobID, workerID string, now time.Time, lease time.Duration) (*domain.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, until time.Time) error
	UpdateMetadata(ctx context.Context, jobID string, duration *float64, warnings []string) error
	CompleteJob(ctx context.Context, jobID, outputRef string, at time.Time) (*domain.Job, error)
	FailJob(ctx context.Context, jobID, message string, at time.Time) (*domain.Job, error)
	FindActiveDuplicate(ctx context.Context, query domain.DuplicateQuery) (*domain.Job, error)
	CountActiveJobs(ctx context.Context, query domain.ActiveJobsQuery) (int, error)
	ListJobsByClient(ctx context.Context, clientIP string, limit int) ([]*domain.Job, error)
	ReleaseExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	RearmLease(ctx context.Context, jobID string, at time.Time) error
	MarkStalePending(ctx context.Context, createdBefore, now, nextCheck time.Time, limit int) ([]*domain.Job, error)
	Ping(ctx context.Context) error
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	r.jobs[job.ID] = domain.CloneJob(job)
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return domain.CloneJob(job), nil
}

func (r *MemoryJobsRepository) ClaimJob(
	_ context.Context,
	jobID string,
	workerID string,
	now time.Time,
	lease time.Duration,
) (*domain.Job, error) {
	return r.mutate(jobID, func(job *domain.Job) error {
		return job.Claim(workerID, now, lease)
	})
}

func (r *MemoryJobsRepository) ExtendLease(_ context.Context, jobID, workerID string, until time.Time) error {
	_, err := r.mutate(jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusProcessing || job.ClaimedBy != workerID {
			return domain.ErrLeaseHeld
		}
		expires := until.UTC()
		job.LeaseExpiresAt = &expires
		return nil
	})
	return err
}

func (r *MemoryJobsRepository) UpdateMetadata(
	_ context.Context,
	jobID string,
	duration *float64,
	warnings []string,
) error {
	_, err := r.mutate(jobID, func(job *domain.Job) error {
		if duration != nil {
			value := *duration
			job.Duration = &value
		}
		job.Warnings = append([]string(nil), warnings...)
		return nil
	})
	return err
}

func (r *MemoryJobsRepository) CompleteJob(
	_ context.Context,
	jobID string,
	outputRef string,
	at time.Time,
) (*domain.Job, error) {
	return r.mutate(jobID, func(job *domain.Job) error {
		return job.MarkCompleted(outputRef, at)
	})
}

func (r *MemoryJobsRepository) FailJob(_ context.Context, jobID, message string, at time.Time) (*domain.Job, error) {
	return r.mutate(jobID, func(job *domain.Job) error {
		return job.MarkFailed(message, at)
	})
}

func (r *MemoryJobsRepository) FindActiveDuplicate(
	_ context.Context,
	query domain.DuplicateQuery,
) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.Job
	for _, job := range r.jobs {
		if job.ClientIP != query.ClientIP || job.ToolType != query.ToolType || job.FileSize != query.FileSize {
			continue
		}
		if job.Status.Terminal() || job.CreatedAt.Before(query.Since) {
			continue
		}
		if found == nil || job.CreatedAt.After(found.CreatedAt) {
			found = job
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return domain.CloneJob(found), nil
}

func (r *MemoryJobsRepository) CountActiveJobs(_ context.Context, query domain.ActiveJobsQuery) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, job := range r.jobs {
		if query.Matches(job) {
			count++
		}
	}
	return count, nil
}

func (r *MemoryJobsRepository) ListJobsByClient(_ context.Context, clientIP string, limit int) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	items := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.ClientIP == clientIP {
			items = append(items, domain.CloneJob(job))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryJobsRepository) ReleaseExpiredLeases(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if limit > 0 && len(released) >= limit {
			break
		}
		if job.Status != domain.JobStatusProcessing || job.LeaseExpiresAt == nil {
			continue
		}
		if !job.LeaseExpiresAt.Before(now) {
			continue
		}
		job.ClaimedBy = ""
		job.LeaseExpiresAt = nil
		released = append(released, domain.CloneJob(job))
	}
	return released, nil
}

func (r *MemoryJobsRepository) RearmLease(_ context.Context, jobID string, at time.Time) error {
	_, err := r.mutate(jobID, func(job *domain.Job) error {
		if job.Status.Terminal() || job.ClaimedBy != "" {
			return domain.ErrLeaseHeld
		}
		expires := at.UTC()
		job.LeaseExpiresAt = &expires
		return nil
	})
	return err
}

func (r *MemoryJobsRepository) MarkStalePending(
	_ context.Context,
	createdBefore time.Time,
	now time.Time,
	nextCheck time.Time,
	limit int,
) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	marked := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if limit > 0 && len(marked) >= limit {
			break
		}
		if job.Status != domain.JobStatusPending || !job.CreatedAt.Before(createdBefore) {
			continue
		}
		if job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.Before(now) {
			continue
		}
		next := nextCheck.UTC()
		job.LeaseExpiresAt = &next
		marked = append(marked, domain.CloneJob(job))
	}
	return marked, nil
}

func (r *MemoryJobsRepository) Ping(context.Context) error {
	return nil
}

// mutate applies fn to the stored job under the write lock and keeps the change only when fn succeeds.
func (r *MemoryJobsRepository) mutate(jobID string, fn func(job *domain.Job) error) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	working := domain.CloneJob(stored)
	if err := fn(working); err != nil {
		return nil, err
	}
	r.jobs[jobID] = working
	return domain.CloneJob(working), nil
}
