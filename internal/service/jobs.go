package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/converter-saas-back/internal/admission"
	"github.com/iago/converter-saas-back/internal/cache"
	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/options"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

const DefaultListLimit = 20

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrArtifactExpired = errors.New("artifact expired")
	ErrOutputMissing   = errors.New("output file not found")
	ErrNotCompleted    = errors.New("job is not completed")
)

// JobFailedError is returned by Submit when the job was created but could not be
// run (sync mode) or handed to the queue (async mode).
type JobFailedError struct {
	Job *domain.Job
	Err error
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.Job.ID, e.Err)
}

func (e *JobFailedError) Unwrap() error {
	return e.Err
}

// Upload is one file received from the caller.
type Upload struct {
	Filename string
	Size     int64
	Content  io.Reader
}

type SubmitInput struct {
	ToolType     domain.ToolType
	Operation    domain.OperationType
	OutputFormat string
	Options      map[string]any
	File         Upload
	// Extra holds the additional documents of a merge, in order.
	Extra     []Upload
	ClientIP  string
	UserAgent string
}

type SubmitResult struct {
	Job      *domain.Job
	Warnings []string
	Mode     dispatch.Mode
}

// JobDetail is a job plus its artifact once completed.
type JobDetail struct {
	Job      *domain.Job
	Artifact *domain.Artifact
}

type Dependencies struct {
	Jobs      repository.JobsRepository
	Artifacts repository.ArtifactsRepository
	Storage   storage.Storage
	Admission *admission.Controller
	Strategy  dispatch.Strategy
	Resolver  *options.Resolver
	Cache     *cache.JobCache
	Health    HealthDependencies
}

type ConversionService struct {
	jobs      repository.JobsRepository
	artifacts repository.ArtifactsRepository
	store     storage.Storage
	admission *admission.Controller
	strategy  dispatch.Strategy
	resolver  *options.Resolver
	cache     *cache.JobCache
	health    HealthDependencies
	log       *logger.Logger
	now       func() time.Time
}

func NewConversionService(deps Dependencies, log *logger.Logger) *ConversionService {
	if deps.Resolver == nil {
		deps.Resolver = options.NewResolver(nil)
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewJobCache(cache.Config{})
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ConversionService{
		jobs:      deps.Jobs,
		artifacts: deps.Artifacts,
		store:     deps.Storage,
		admission: deps.Admission,
		strategy:  deps.Strategy,
		resolver:  deps.Resolver,
		cache:     deps.Cache,
		health:    deps.Health,
		log:       log.Named("conversion"),
		now:       time.Now,
	}
}

func (s *ConversionService) Mode() dispatch.Mode {
	return s.strategy.Mode()
}

// Submit validates and admits the request, stores the upload, creates the pending
// job and dispatches it. Admission rejections are *admission.Rejection and leave no job behind.
func (s *ConversionService) Submit(ctx context.Context, input SubmitInput) (*SubmitResult, error) {
	outputFormat, err := s.validate(input)
	if err != nil {
		return nil, err
	}

	if err := s.admission.Check(ctx, admission.Request{
		ClientIP:  input.ClientIP,
		ToolType:  input.ToolType,
		Operation: input.Operation,
		FileSize:  input.File.Size,
	}); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	saved := make([]string, 0, 1+len(input.Extra))
	discard := func() {
		for _, key := range saved {
			if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
				s.log.Warn("could not remove upload", "key", key, "error", err)
			}
		}
	}

	inputKey := storage.UploadKey(now, input.File.Filename)
	written, err := s.store.Save(ctx, inputKey, input.File.Content)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	saved = append(saved, inputKey)

	opts := maps.Clone(input.Options)
	if opts == nil {
		opts = make(map[string]any)
	}
	if len(input.Extra) > 0 {
		extraKeys := make([]string, 0, len(input.Extra))
		for _, extra := range input.Extra {
			key := storage.UploadKey(now, extra.Filename)
			if _, err := s.store.Save(ctx, key, extra.Content); err != nil {
				discard()
				return nil, fmt.Errorf("store upload: %w", err)
			}
			saved = append(saved, key)
			extraKeys = append(extraKeys, key)
		}
		opts["merge_inputs"] = extraKeys
	}

	job := &domain.Job{
		ID:            uuid.NewString(),
		ToolType:      input.ToolType,
		OperationType: input.Operation,
		Status:        domain.JobStatusPending,
		InputFilename: domain.SanitizeFilename(input.File.Filename),
		InputRef:      inputKey,
		FileSize:      written,
		InputFormat:   domain.Extension(input.File.Filename),
		OutputFormat:  outputFormat,
		Options:       opts,
		ClientIP:      input.ClientIP,
		UserAgent:     domain.TruncateUserAgent(input.UserAgent),
		CreatedAt:     now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		discard()
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job created",
		"job_id", job.ID,
		"tool", job.ToolName(),
		"client_ip", job.ClientIP,
		"file_size", job.FileSize,
		"mode", s.strategy.Mode(),
	)

	dispatched, err := s.strategy.Dispatch(ctx, job)
	if dispatched == nil {
		dispatched = job
	}
	s.cache.Set(dispatched)
	if err != nil {
		return nil, &JobFailedError{Job: dispatched, Err: err}
	}
	return &SubmitResult{
		Job:      dispatched,
		Warnings: append([]string(nil), dispatched.Warnings...),
		Mode:     s.strategy.Mode(),
	}, nil
}

// validate rejects requests the pipeline could never run and returns the normalized output format.
func (s *ConversionService) validate(input SubmitInput) (string, error) {
	if !input.ToolType.Valid() {
		return "", fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, input.ToolType)
	}
	if !input.Operation.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, input.Operation)
	}
	if input.File.Content == nil || strings.TrimSpace(input.File.Filename) == "" {
		return "", fmt.Errorf("%w: a file is required", ErrInvalidRequest)
	}
	for _, upload := range append([]Upload{input.File}, input.Extra...) {
		if err := s.resolver.CheckInput(input.ToolType, input.Operation, upload.Filename); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	outputFormat := strings.ToLower(strings.TrimSpace(input.OutputFormat))
	switch {
	case input.ToolType == domain.ToolDocument && input.Operation == domain.OpSplit:
		outputFormat = "zip"
	case input.ToolType == domain.ToolDocument && outputFormat == "":
		outputFormat = "pdf"
	case outputFormat == "" && (input.Operation == domain.OpTrim || input.Operation == domain.OpCompress):
		outputFormat = domain.Extension(input.File.Filename)
	}
	if outputFormat == "" {
		return "", fmt.Errorf("%w: output_format is required", ErrInvalidRequest)
	}

	raw := maps.Clone(input.Options)
	if len(input.Extra) > 0 {
		if raw == nil {
			raw = make(map[string]any)
		}
		names := make([]string, 0, len(input.Extra))
		for _, extra := range input.Extra {
			names = append(names, extra.Filename)
		}
		raw["merge_inputs"] = names
	}
	if _, err := s.resolver.Resolve(input.ToolType, input.Operation, outputFormat, raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return outputFormat, nil
}

// GetJob reads through the terminal-job cache.
func (s *ConversionService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if job, ok := s.cache.Get(jobID); ok {
		return job, nil
	}
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(job)
	return job, nil
}

func (s *ConversionService) GetJobDetail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	detail := &JobDetail{Job: job}
	if job.Status != domain.JobStatusCompleted {
		return detail, nil
	}
	artifact, err := s.artifacts.GetArtifactByJob(ctx, jobID)
	switch {
	case err == nil:
		detail.Artifact = artifact
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return detail, nil
}

// ListJobs returns the most recent jobs of one client, newest first.
func (s *ConversionService) ListJobs(ctx context.Context, clientIP string) ([]*domain.Job, error) {
	return s.jobs.ListJobsByClient(ctx, clientIP, DefaultListLimit)
}
