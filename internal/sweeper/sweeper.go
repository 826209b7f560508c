// Package sweeper removes expired artifacts together with the stored bytes of their jobs.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

const (
	DefaultTTL      = time.Hour
	DefaultInterval = 30 * time.Minute
	batchSize       = 500
	maxBatches      = 20
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_sweeper_runs_total",
		Help: "Completed sweep passes.",
	})
	artifactsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_sweeper_artifacts_deleted_total",
		Help: "Artifact records removed by the sweeper.",
	})
	fileDeleteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "converter_sweeper_file_delete_failures_total",
		Help: "Stored objects the sweeper could not delete.",
	})
	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converter_sweeper_pass_seconds",
		Help:    "Duration of one sweep pass.",
		Buckets: prometheus.DefBuckets,
	})
)

type Sweeper struct {
	artifacts repository.ArtifactsRepository
	jobs      repository.JobsRepository
	store     storage.Storage
	ttl       time.Duration
	interval  time.Duration
	log       *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(
	artifacts repository.ArtifactsRepository,
	jobs repository.JobsRepository,
	store storage.Storage,
	ttl time.Duration,
	interval time.Duration,
	log *logger.Logger,
) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{
		artifacts: artifacts,
		jobs:      jobs,
		store:     store,
		ttl:       ttl,
		interval:  interval,
		log:       log.Named("sweeper"),
		now:       time.Now,
	}
}

// Start runs one pass immediately and then one per interval until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.pass(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the loop and waits for a running pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) pass(ctx context.Context) {
	removed, err := s.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Error("sweep pass failed", "removed", removed, "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("sweep pass finished", "removed", removed)
	}
}

// RunOnce removes every artifact created more than the TTL ago and returns how many records were deleted.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	started := time.Now()
	defer func() { passDuration.Observe(time.Since(started).Seconds()) }()

	cutoff := s.now().UTC().Add(-s.ttl)
	removed := 0
	for batch := 0; batch < maxBatches; batch++ {
		expired, err := s.artifacts.ListCreatedBefore(ctx, cutoff, batchSize)
		if err != nil {
			return removed, fmt.Errorf("list expired artifacts: %w", err)
		}
		removedInBatch := 0
		for _, artifact := range expired {
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
			if s.sweep(ctx, artifact) {
				removedInBatch++
			}
		}
		removed += removedInBatch
		if len(expired) < batchSize || removedInBatch == 0 {
			break
		}
	}
	runsTotal.Inc()
	return removed, nil
}

// sweep deletes the artifact's bytes, its job's stored bytes and then the record.
// Each byte deletion is independent; only the record deletion counts.
func (s *Sweeper) sweep(ctx context.Context, artifact *domain.Artifact) bool {
	log := s.log.With("artifact_id", artifact.ID, "job_id", artifact.JobID)

	keys := []string{artifact.OutputRef}
	job, err := s.jobs.GetJob(ctx, artifact.JobID)
	switch {
	case err == nil:
		keys = append(keys, job.InputRef, job.OutputRef)
		keys = append(keys, mergeInputs(job)...)
	case errors.Is(err, repository.ErrNotFound):
	default:
		log.Warn("could not load job for cleanup", "error", err)
	}

	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if err := s.store.Delete(ctx, key); err != nil {
			fileDeleteFailures.Inc()
			log.Warn("could not delete stored object", "key", key, "error", err)
		}
	}

	if err := s.artifacts.DeleteArtifact(ctx, artifact.ID); err != nil {
		log.Error("could not delete artifact record", "error", err)
		return false
	}
	artifactsDeleted.Inc()
	return true
}

func mergeInputs(job *domain.Job) []string {
	switch typed := job.Options["merge_inputs"].(type) {
	case []string:
		return typed
	case []any:
		keys := make([]string, 0, len(typed))
		for _, item := range typed {
			if key, ok := item.(string); ok {
				keys = append(keys, key)
			}
		}
		return keys
	}
	return nil
}
