package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/queue"
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Strategy hands a freshly created pending job to execution. The returned job is
// the latest known state: terminal in sync mode, pending in async mode.
type Strategy interface {
	Dispatch(ctx context.Context, job *domain.Job) (*domain.Job, error)
	Mode() Mode
}

// Sync runs the pipeline inside the caller's request. Failures are terminal at once.
type Sync struct {
	pipeline *Pipeline
	workerID string
}

func NewSync(pipeline *Pipeline) *Sync {
	return &Sync{pipeline: pipeline, workerID: "sync-" + uuid.NewString()[:8]}
}

func (s *Sync) Mode() Mode {
	return ModeSync
}

func (s *Sync) Dispatch(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	outcome, err := s.pipeline.Run(ctx, job.ID, s.workerID)
	if err == nil {
		return outcome.Job, nil
	}
	failed := s.pipeline.Fail(ctx, job.ID, err)
	if failed == nil {
		failed = job
	}
	return failed, err
}

// Async leaves the job pending and submits a unit of work to the queue.
type Async struct {
	producer queue.Producer
	pipeline *Pipeline
	log      *logger.Logger
	now      func() time.Time
}

func NewAsync(producer queue.Producer, pipeline *Pipeline, log *logger.Logger) *Async {
	if log == nil {
		log = logger.Nop()
	}
	return &Async{producer: producer, pipeline: pipeline, log: log.Named("async_dispatch"), now: time.Now}
}

func (a *Async) Mode() Mode {
	return ModeAsync
}

func (a *Async) Dispatch(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	message := domain.QueueMessage{
		JobID:       job.ID,
		ToolType:    job.ToolType,
		Operation:   job.OperationType,
		RequestedAt: a.now().UTC(),
	}
	if err := a.producer.Enqueue(ctx, message); err != nil {
		enqueueErr := fmt.Errorf("enqueue job: %w", err)
		a.log.Error("enqueue failed", "job_id", job.ID, "error", err)
		if failed := a.pipeline.Fail(ctx, job.ID, domain.NewProcessingError(domain.KindUnavailable, "enqueue", err)); failed != nil {
			return failed, enqueueErr
		}
		return job, enqueueErr
	}
	a.log.Debug("job enqueued", "job_id", job.ID, "tool", job.ToolName())
	return job, nil
}
