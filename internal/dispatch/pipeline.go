// Package dispatch runs conversion jobs, inline or through the task queue,
// with one shared pipeline for both modes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/iago/converter-saas-back/internal/codec"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/options"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

const (
	DefaultArtifactTTL = time.Hour
	DefaultLeaseTTL    = 60 * time.Second
	finalizeTimeout    = 10 * time.Second
)

var (
	// ErrSkipped means the run did nothing because the job is finished, gone or owned by another worker.
	// The unit of work should be acknowledged and dropped.
	ErrSkipped = errors.New("job skipped")

	errLeaseLost = errors.New("job lease lost")
)

type Dependencies struct {
	Jobs      repository.JobsRepository
	Artifacts repository.ArtifactsRepository
	Usage     repository.UsageRepository
	Storage   storage.Storage
	Codecs    *codec.Registry
	// Prober is optional; without it media durations stay unknown.
	Prober   codec.Prober
	Resolver *options.Resolver
	// Validator is optional; without it any codec output is accepted.
	Validator OutputValidator
}

// OutputValidator inspects a codec output before it is stored.
type OutputValidator interface {
	Validate(path, format string) error
}

type Config struct {
	TempDir     string
	ArtifactTTL time.Duration
	LeaseTTL    time.Duration
}

// Outcome is the result of a successful run.
type Outcome struct {
	Job      *domain.Job
	Artifact *domain.Artifact
}

// Pipeline is the sequence of steps that takes a job from pending to a terminal state.
type Pipeline struct {
	deps      Dependencies
	completer repository.Completer
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
}

func NewPipeline(deps Dependencies, cfg Config, log *logger.Logger) *Pipeline {
	if cfg.ArtifactTTL <= 0 {
		cfg.ArtifactTTL = DefaultArtifactTTL
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if deps.Resolver == nil {
		deps.Resolver = options.NewResolver(nil)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Pipeline{
		deps:      deps,
		completer: repository.NewCompleter(deps.Jobs, deps.Artifacts),
		cfg:       cfg,
		log:       log.Named("pipeline"),
		now:       time.Now,
	}
}

func (p *Pipeline) LeaseTTL() time.Duration {
	return p.cfg.LeaseTTL
}

// Run claims the job for workerID and executes every step up to the artifact and
// the success usage entry. It never marks the job failed; callers decide that
// through Fail, so that retries stay invisible to the job record.
func (p *Pipeline) Run(ctx context.Context, jobID, workerID string) (*Outcome, error) {
	job, err := p.claim(ctx, jobID, workerID)
	if err != nil {
		return nil, err
	}
	log := p.log.With("job_id", job.ID, "tool", job.ToolName(), "worker_id", workerID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go p.keepLease(runCtx, cancel, job.ID, workerID, log)

	outcome, err := p.execute(runCtx, job, log)
	if err == nil {
		return outcome, nil
	}
	if errors.Is(context.Cause(runCtx), errLeaseLost) {
		leaseLosses.Inc()
		log.Warn("run abandoned after losing the lease", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSkipped, errLeaseLost)
	}
	p.expireLease(ctx, job.ID, workerID)
	return nil, err
}

// expireLease ends the lease at once so a retry delivered to any worker can claim the job.
func (p *Pipeline) expireLease(ctx context.Context, jobID, workerID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	err := p.deps.Jobs.ExtendLease(ctx, jobID, workerID, p.now())
	if err != nil && !errors.Is(err, domain.ErrLeaseHeld) {
		p.log.Warn("could not expire lease", "job_id", jobID, "error", err)
	}
}

func (p *Pipeline) claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	job, err := p.deps.Jobs.ClaimJob(ctx, jobID, workerID, p.now(), p.cfg.LeaseTTL)
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, domain.ErrInvalidTransition):
		p.log.Info("dropping unit of work for finished job", "job_id", jobID)
		return nil, fmt.Errorf("%w: job %s is already finished", ErrSkipped, jobID)
	case errors.Is(err, domain.ErrLeaseHeld):
		p.log.Info("job is owned by another worker", "job_id", jobID, "worker_id", workerID)
		return nil, fmt.Errorf("%w: job %s is leased by another worker", ErrSkipped, jobID)
	case errors.Is(err, repository.ErrNotFound):
		p.log.Warn("dropping unit of work for missing job", "job_id", jobID)
		return nil, fmt.Errorf("%w: job %s not found", ErrSkipped, jobID)
	default:
		return nil, p.stepError("claim", domain.NewProcessingError(domain.KindStorage, "claim job", err))
	}
}

func (p *Pipeline) execute(ctx context.Context, job *domain.Job, log *logger.Logger) (*Outcome, error) {
	scratch, err := os.MkdirTemp(p.cfg.TempDir, "job-*")
	if err != nil {
		return nil, p.stepError("scratch", domain.NewProcessingError(domain.KindInternal, "scratch dir", err))
	}
	defer os.RemoveAll(scratch)

	inputPath, cleanup, err := p.fetch(ctx, job.InputRef, scratch)
	if err != nil {
		return nil, p.stepError("fetch", err)
	}
	defer cleanup()

	duration := p.probe(ctx, job, inputPath)

	resolved, err := p.deps.Resolver.Resolve(job.ToolType, job.OperationType, job.OutputFormat, job.Options)
	if err != nil {
		return nil, p.stepError("resolve", err)
	}
	if err := p.deps.Jobs.UpdateMetadata(ctx, job.ID, duration, resolved.Warnings); err != nil {
		return nil, p.stepError("metadata", domain.NewProcessingError(domain.KindStorage, "update metadata", err))
	}
	for _, warning := range resolved.Warnings {
		log.Info("option adjusted", "warning", warning)
	}

	var extras []string
	if resolved.Document != nil {
		for _, key := range resolved.Document.MergeInputs {
			path, cleanupExtra, err := p.fetch(ctx, key, scratch)
			if err != nil {
				return nil, p.stepError("fetch", err)
			}
			defer cleanupExtra()
			extras = append(extras, path)
		}
	}

	transformer, err := p.deps.Codecs.For(job.ToolType)
	if err != nil {
		return nil, p.stepError("codec", err)
	}
	outputPath := filepath.Join(scratch, "output."+resolved.OutputFormat)
	err = transformer.Transform(ctx, codec.Request{
		InputPath:   inputPath,
		InputFormat: job.InputFormat,
		ExtraInputs: extras,
		OutputPath:  outputPath,
		Options:     resolved,
	})
	if err != nil {
		return nil, p.stepError("codec", err)
	}
	if p.deps.Validator != nil {
		if err := p.deps.Validator.Validate(outputPath, resolved.OutputFormat); err != nil {
			return nil, p.stepError("validate", err)
		}
	}

	outputKey := storage.OutputKey(p.now(), job.InputFilename, resolved.OutputFormat)
	size, err := storage.SaveFile(ctx, p.deps.Storage, outputKey, outputPath)
	if err != nil {
		return nil, p.stepError("save", domain.NewProcessingError(domain.KindStorage, "save output", err))
	}

	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	finishedAt := p.now()
	finished := domain.CloneJob(job)
	finished.OutputRef = outputKey
	artifact := domain.NewArtifact(uuid.NewString(), finished, size, p.cfg.ArtifactTTL, finishedAt)
	completed, err := p.completer.CompleteWithArtifact(finalizeCtx, job.ID, outputKey, finishedAt, artifact)
	if err != nil {
		_ = p.deps.Storage.Delete(finalizeCtx, outputKey)
		return nil, p.stepError("complete", domain.NewProcessingError(domain.KindStorage, "complete job", err))
	}
	p.recordUsage(finalizeCtx, completed, true)
	jobsFinished.WithLabelValues(string(completed.ToolType), string(completed.OperationType), string(domain.JobStatusCompleted)).Inc()
	if elapsed, ok := completed.ProcessingTime(); ok {
		jobDuration.WithLabelValues(string(completed.ToolType), string(completed.OperationType)).Observe(elapsed.Seconds())
	}
	log.Info("job completed", "output_ref", outputKey, "file_size", size)
	return &Outcome{Job: completed, Artifact: artifact}, nil
}

func (p *Pipeline) fetch(ctx context.Context, key, dir string) (string, func(), error) {
	path, cleanup, err := storage.Fetch(ctx, p.deps.Storage, key, dir)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return "", nil, domain.Errorf(domain.KindInvalidInput, "input file %s is missing", key)
	}
	if err != nil {
		return "", nil, domain.NewProcessingError(domain.KindStorage, "fetch input", err)
	}
	return path, cleanup, nil
}

func (p *Pipeline) probe(ctx context.Context, job *domain.Job, path string) *float64 {
	if p.deps.Prober == nil || (job.ToolType != domain.ToolAudio && job.ToolType != domain.ToolVideo) {
		return nil
	}
	seconds, ok := p.deps.Prober.Duration(ctx, path)
	if !ok {
		return nil
	}
	return &seconds
}

// Fail marks the job failed with cause's message and writes the failure usage entry.
// A job that is already terminal is left alone.
func (p *Pipeline) Fail(ctx context.Context, jobID string, cause error) *domain.Job {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	job, err := p.deps.Jobs.FailJob(ctx, jobID, message, p.now())
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		p.log.Info("job already finished, failure ignored", "job_id", jobID, "error", message)
		return nil
	case err != nil:
		p.log.Error("could not mark job failed", "job_id", jobID, "cause", message, "error", err)
		return nil
	}

	p.recordUsage(ctx, job, false)
	jobsFinished.WithLabelValues(string(job.ToolType), string(job.OperationType), string(domain.JobStatusFailed)).Inc()
	p.log.Warn("job failed",
		"job_id", job.ID,
		"tool", job.ToolName(),
		"kind", domain.KindOf(cause),
		"error", message,
	)
	return job
}

// OnQueueFailure adapts Fail to the queue failure handler signature.
func (p *Pipeline) OnQueueFailure(ctx context.Context, message domain.QueueMessage, cause error) {
	p.Fail(ctx, message.JobID, cause)
}

func (p *Pipeline) recordUsage(ctx context.Context, job *domain.Job, success bool) {
	entry := &domain.UsageEntry{
		ID:        uuid.NewString(),
		ToolName:  job.ToolName(),
		ClientIP:  job.ClientIP,
		UserAgent: domain.TruncateUserAgent(job.UserAgent),
		Success:   success,
		JobID:     job.ID,
		UsedAt:    p.now().UTC(),
	}
	if elapsed, ok := job.ProcessingTime(); ok && success {
		ms := elapsed.Milliseconds()
		entry.ProcessingTimeMS = &ms
	}
	if err := p.deps.Usage.RecordUsage(ctx, entry); err != nil {
		p.log.Error("usage entry not recorded", "job_id", job.ID, "success", success, "error", err)
	}
}

func (p *Pipeline) keepLease(ctx context.Context, cancel context.CancelCauseFunc, jobID, workerID string, log *logger.Logger) {
	ticker := time.NewTicker(max(p.cfg.LeaseTTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.deps.Jobs.ExtendLease(ctx, jobID, workerID, p.now().Add(p.cfg.LeaseTTL))
			if errors.Is(err, domain.ErrLeaseHeld) {
				cancel(errLeaseLost)
				return
			}
			if err != nil && ctx.Err() == nil {
				log.Warn("lease heartbeat failed", "error", err)
			}
		}
	}
}

func (p *Pipeline) stepError(step string, err error) error {
	stepFailures.WithLabelValues(step, string(domain.KindOf(err))).Inc()
	return err
}
