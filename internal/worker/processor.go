package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/queue"
)

const (
	DefaultHardLimit = time.Hour
	DefaultSoftLimit = 55 * time.Minute
	restartDelay     = 2 * time.Second
)

var errHardLimit = errors.New("hard time limit exceeded")

type Config struct {
	Concurrency int
	// HardLimit cancels a unit of work; SoftLimit only logs.
	HardLimit time.Duration
	SoftLimit time.Duration
	WorkerID  string
}

// Processor consumes conversion units of work and runs them through the pipeline.
type Processor struct {
	consumer queue.Consumer
	pipeline *dispatch.Pipeline
	cfg      Config
	log      *logger.Logger
}

func NewProcessor(
	consumer queue.Consumer,
	pipeline *dispatch.Pipeline,
	cfg Config,
	log *logger.Logger,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HardLimit <= 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	if cfg.SoftLimit <= 0 || cfg.SoftLimit >= cfg.HardLimit {
		cfg.SoftLimit = cfg.HardLimit * 11 / 12
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		consumer: consumer,
		pipeline: pipeline,
		cfg:      cfg,
		log:      log.Named("worker").With("worker_id", cfg.WorkerID),
	}
}

// DefaultWorkerID is unique per process so leases survive a restart under the same hostname.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start runs Concurrency consumer loops and blocks until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	p.log.Info("worker started", "concurrency", p.cfg.Concurrency)
	group, groupCtx := errgroup.WithContext(ctx)
	for slot := 0; slot < p.cfg.Concurrency; slot++ {
		group.Go(func() error {
			p.consumeLoop(groupCtx)
			return nil
		})
	}
	err := group.Wait()
	p.log.Info("worker stopped")
	return err
}

func (p *Processor) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.Handle, p.pipeline.OnQueueFailure)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.log.Error("worker consume loop error", "error", err)

		timer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Handle runs one unit of work under the hard and soft time limits.
func (p *Processor) Handle(ctx context.Context, message domain.QueueMessage) error {
	runCtx, cancel := context.WithTimeoutCause(ctx, p.cfg.HardLimit, errHardLimit)
	defer cancel()

	started := time.Now()
	soft := time.AfterFunc(p.cfg.SoftLimit, func() {
		p.log.Warn("soft time limit exceeded",
			"job_id", message.JobID,
			"attempt", message.Attempt,
			"limit", p.cfg.SoftLimit.String(),
		)
	})
	defer soft.Stop()

	_, err := p.pipeline.Run(runCtx, message.JobID, p.cfg.WorkerID)
	switch {
	case err == nil:
		p.log.Info("unit of work done", "job_id", message.JobID, "attempt", message.Attempt, "elapsed_ms", time.Since(started).Milliseconds())
		return nil
	case errors.Is(err, dispatch.ErrSkipped):
		p.log.Debug("unit of work skipped", "job_id", message.JobID, "reason", err)
		return nil
	case ctx.Err() == nil && errors.Is(context.Cause(runCtx), errHardLimit):
		return domain.NewProcessingError(domain.KindTimeout, "task",
			fmt.Errorf("hard time limit of %s exceeded: %w", p.cfg.HardLimit, err))
	default:
		return err
	}
}
