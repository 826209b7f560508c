package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/queue"
	"github.com/iago/converter-saas-back/internal/repository"
)

const (
	DefaultReclaimInterval = 30 * time.Second
	DefaultPendingAfter    = 15 * time.Minute
	reclaimBatchSize       = 500
)

var (
	leasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_leases_reclaimed_total",
		Help: "Processing jobs whose expired lease was released and re-enqueued.",
	})
	pendingRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_pending_requeued_total",
		Help: "Pending jobs re-enqueued because no worker picked them up in time.",
	})
)

type ReclaimerConfig struct {
	Interval time.Duration
	// Grace is how long a lease must have been expired before it is reclaimed.
	Grace time.Duration
	// PendingAfter is how long a job may stay pending before it is enqueued again.
	// Negative disables the pending pass.
	PendingAfter time.Duration
}

// Reclaimer re-enqueues jobs no worker is making progress on: processing jobs
// whose worker stopped renewing the lease, and pending jobs whose unit of work
// was lost before any worker claimed it. A lease must have been expired for at
// least Grace before it is reclaimed, which leaves room for a retry that is
// already waiting in the queue. A redelivered job that is already running or
// finished is dropped by the claim.
type Reclaimer struct {
	jobs     repository.JobsRepository
	producer queue.Producer
	cfg      ReclaimerConfig
	log      *logger.Logger
	now      func() time.Time
}

func NewReclaimer(
	jobs repository.JobsRepository,
	producer queue.Producer,
	cfg ReclaimerConfig,
	log *logger.Logger,
) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReclaimInterval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.PendingAfter == 0 {
		cfg.PendingAfter = DefaultPendingAfter
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reclaimer{
		jobs:     jobs,
		producer: producer,
		cfg:      cfg,
		log:      log.Named("reclaimer"),
		now:      time.Now,
	}
}

func (r *Reclaimer) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reclaim pass failed", "error", err)
			}
		}
	}
}

// RunOnce re-enqueues up to one batch of expired leases and one batch of stale
// pending jobs. A job whose enqueue fails is re-armed so the next pass picks it
// up again. It returns how many jobs were enqueued.
func (r *Reclaimer) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.cfg.Grace)
	released, err := r.jobs.ReleaseExpiredLeases(ctx, cutoff, reclaimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	requeued := r.requeue(ctx, released, now, cutoff, leasesReclaimed)

	if r.cfg.PendingAfter > 0 {
		stale, err := r.jobs.MarkStalePending(ctx, now.Add(-r.cfg.PendingAfter), now, now.Add(r.cfg.PendingAfter), reclaimBatchSize)
		if err != nil {
			return requeued, fmt.Errorf("mark stale pending jobs: %w", err)
		}
		requeued += r.requeue(ctx, stale, now, now, pendingRequeued)
	}

	if requeued > 0 {
		r.log.Info("reclaimed orphaned jobs", "count", requeued)
	}
	return requeued, nil
}

// requeue enqueues every job and re-arms the ones whose enqueue failed at retryAt,
// which the next pass treats as already due.
func (r *Reclaimer) requeue(
	ctx context.Context,
	jobs []*domain.Job,
	now time.Time,
	retryAt time.Time,
	counter prometheus.Counter,
) int {
	requeued := 0
	for _, job := range jobs {
		message := domain.QueueMessage{
			JobID:       job.ID,
			ToolType:    job.ToolType,
			Operation:   job.OperationType,
			RequestedAt: now,
		}
		if err := r.producer.Enqueue(ctx, message); err != nil {
			r.log.Error("re-enqueue of reclaimed job failed", "job_id", job.ID, "status", job.Status, "error", err)
			if err := r.jobs.RearmLease(ctx, job.ID, retryAt); err != nil && !errors.Is(err, domain.ErrLeaseHeld) {
				r.log.Error("could not re-arm reclaimed job", "job_id", job.ID, "error", err)
			}
			continue
		}
		requeued++
		counter.Inc()
	}
	return requeued
}
