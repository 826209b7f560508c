package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/admission"
	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// completingStrategy finishes every job by writing a fixed output, the way a
// sync pipeline would after a successful conversion.
type completingStrategy struct {
	jobs      repository.JobsRepository
	artifacts repository.ArtifactsRepository
	store     storage.Storage
	err       error
	calls     int
}

func (s *completingStrategy) Mode() dispatch.Mode {
	return dispatch.ModeSync
}

func (s *completingStrategy) Dispatch(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	s.calls++
	if s.err != nil {
		failed, err := s.jobs.FailJob(ctx, job.ID, s.err.Error(), fixedNow)
		if err != nil {
			return nil, err
		}
		return failed, s.err
	}
	if _, err := s.jobs.ClaimJob(ctx, job.ID, "test", fixedNow, time.Minute); err != nil {
		return nil, err
	}
	key := storage.OutputKey(fixedNow, job.InputFilename, job.OutputFormat)
	size, err := s.store.Save(ctx, key, strings.NewReader("converted"))
	if err != nil {
		return nil, err
	}
	completed, err := s.jobs.CompleteJob(ctx, job.ID, key, fixedNow)
	if err != nil {
		return nil, err
	}
	completed.Warnings = []string{"note"}
	artifact := domain.NewArtifact("artifact-"+job.ID, completed, size, time.Hour, fixedNow)
	if err := s.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	return completed, nil
}

type testEnv struct {
	svc       *ConversionService
	jobs      *repository.MemoryJobsRepository
	artifacts *repository.MemoryArtifactsRepository
	usage     *repository.MemoryUsageRepository
	store     *storage.FileStore
	strategy  *completingStrategy
}

func newTestEnv(t *testing.T, cfg admission.Config) *testEnv {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	env := &testEnv{
		jobs:      repository.NewMemoryJobsRepository(),
		artifacts: repository.NewMemoryArtifactsRepository(),
		usage:     repository.NewMemoryUsageRepository(),
		store:     store,
	}
	env.strategy = &completingStrategy{jobs: env.jobs, artifacts: env.artifacts, store: store}
	env.svc = NewConversionService(Dependencies{
		Jobs:      env.jobs,
		Artifacts: env.artifacts,
		Storage:   store,
		Admission: admission.NewController(env.usage, env.jobs, cfg, logger.Nop()),
		Strategy:  env.strategy,
	}, logger.Nop())
	env.svc.now = func() time.Time { return fixedNow }
	return env
}

func audioSubmission(body string) SubmitInput {
	return SubmitInput{
		ToolType:     domain.ToolAudio,
		Operation:    domain.OpConvert,
		OutputFormat: "MP3",
		File:         Upload{Filename: "my song.wav", Size: int64(len(body)), Content: strings.NewReader(body)},
		ClientIP:     "10.0.0.1",
		UserAgent:    strings.Repeat("a", 600),
	}
}

func TestSubmitStoresUploadAndDispatches(t *testing.T) {
	env := newTestEnv(t, admission.Config{RequestsPerHour: 10, MaxUploadSize: 1 << 20})
	ctx := context.Background()

	result, err := env.svc.Submit(ctx, audioSubmission("RIFF data"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := result.Job
	if job.Status != domain.JobStatusCompleted || result.Mode != dispatch.ModeSync {
		t.Fatalf("unexpected result %+v", result)
	}
	if job.InputFormat != "wav" || job.OutputFormat != "mp3" || job.FileSize != int64(len("RIFF data")) {
		t.Fatalf("unexpected job fields %+v", job)
	}
	if len(job.UserAgent) != 500 {
		t.Fatalf("user agent must be truncated, got %d chars", len(job.UserAgent))
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != "note" {
		t.Fatalf("unexpected warnings %v", result.Warnings)
	}

	stored, err := env.jobs.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	content, err := env.store.Open(ctx, stored.InputRef)
	if err != nil {
		t.Fatalf("open upload: %v", err)
	}
	defer content.Close()
	data, _ := io.ReadAll(content)
	if string(data) != "RIFF data" {
		t.Fatalf("unexpected upload content %q", data)
	}
}

func TestSubmitInvalidRequests(t *testing.T) {
	env := newTestEnv(t, admission.Config{})

	cases := map[string]SubmitInput{
		"unknown tool": func() SubmitInput {
			in := audioSubmission("x")
			in.ToolType = "spreadsheet"
			return in
		}(),
		"missing output format": func() SubmitInput {
			in := audioSubmission("x")
			in.OutputFormat = ""
			return in
		}(),
		"unsupported format": func() SubmitInput {
			in := audioSubmission("x")
			in.OutputFormat = "docx"
			return in
		}(),
		"unsupported input extension": func() SubmitInput {
			in := audioSubmission("x")
			in.File.Filename = "song." + strings.Repeat("w", 40)
			return in
		}(),
		"input without extension": func() SubmitInput {
			in := audioSubmission("x")
			in.File.Filename = "song"
			return in
		}(),
		"image sent to the audio tool": func() SubmitInput {
			in := audioSubmission("x")
			in.File.Filename = "photo.png"
			return in
		}(),
		"merge extra that is not a pdf": {
			ToolType:  domain.ToolDocument,
			Operation: domain.OpMerge,
			File:      Upload{Filename: "a.pdf", Size: 1, Content: strings.NewReader("x")},
			Extra:     []Upload{{Filename: "b.docx", Size: 1, Content: strings.NewReader("y")}},
		},
		"merge without extra documents": {
			ToolType:  domain.ToolDocument,
			Operation: domain.OpMerge,
			File:      Upload{Filename: "a.pdf", Size: 1, Content: strings.NewReader("x")},
		},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.svc.Submit(context.Background(), input)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	if env.strategy.calls != 0 {
		t.Fatalf("invalid requests must not be dispatched")
	}
}

func TestSubmitRejectedByAdmissionLeavesNoJob(t *testing.T) {
	env := newTestEnv(t, admission.Config{RequestsPerHour: 10, MaxUploadSize: 4})
	ctx := context.Background()

	_, err := env.svc.Submit(ctx, audioSubmission("too large"))
	rejection, ok := admission.AsRejection(err)
	if !ok || rejection.Reason != admission.ReasonFileTooLarge {
		t.Fatalf("expected size rejection, got %v", err)
	}
	jobs, err := env.svc.ListJobs(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("rejected submissions must not create jobs, got %d", len(jobs))
	}
}

// queueingStrategy leaves every job pending, like an async dispatch whose
// workers have not picked anything up yet.
type queueingStrategy struct{ calls int }

func (s *queueingStrategy) Mode() dispatch.Mode {
	return dispatch.ModeAsync
}

func (s *queueingStrategy) Dispatch(_ context.Context, job *domain.Job) (*domain.Job, error) {
	s.calls++
	return job, nil
}

func TestSubmitRateLimitCountsQueuedJobs(t *testing.T) {
	env := newTestEnv(t, admission.Config{RequestsPerHour: 2, MaxUploadSize: 1 << 20})
	strategy := &queueingStrategy{}
	env.svc.strategy = strategy
	env.svc.now = time.Now
	ctx := context.Background()

	admitted := 0
	for i := 0; i < 10; i++ {
		_, err := env.svc.Submit(ctx, audioSubmission(strings.Repeat("x", i+1)))
		if err == nil {
			admitted++
			continue
		}
		rejection, ok := admission.AsRejection(err)
		if !ok || rejection.Reason != admission.ReasonRateLimited {
			t.Fatalf("submission %d: expected rate limit rejection, got %v", i, err)
		}
	}
	if admitted != 2 || strategy.calls != 2 {
		t.Fatalf("expected 2 admitted submissions while jobs are queued, got %d (%d dispatched)", admitted, strategy.calls)
	}
}

func TestSubmitDispatchFailure(t *testing.T) {
	env := newTestEnv(t, admission.Config{})
	env.strategy.err = domain.Errorf(domain.KindToolFailure, "ffmpeg exploded")

	_, err := env.svc.Submit(context.Background(), audioSubmission("x"))
	var failed *JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if failed.Job.Status != domain.JobStatusFailed || failed.Job.ErrorMessage != "ffmpeg exploded" {
		t.Fatalf("unexpected failed job %+v", failed.Job)
	}
	if domain.KindOf(err) != domain.KindToolFailure {
		t.Fatalf("cause must stay reachable, got kind %s", domain.KindOf(err))
	}
}

func TestSubmitMergeStoresExtraInputs(t *testing.T) {
	env := newTestEnv(t, admission.Config{})
	ctx := context.Background()

	result, err := env.svc.Submit(ctx, SubmitInput{
		ToolType:  domain.ToolDocument,
		Operation: domain.OpMerge,
		File:      Upload{Filename: "a.pdf", Size: 1, Content: strings.NewReader("a")},
		Extra: []Upload{
			{Filename: "b.pdf", Size: 1, Content: strings.NewReader("b")},
			{Filename: "c.pdf", Size: 1, Content: strings.NewReader("c")},
		},
		ClientIP: "10.0.0.9",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Job.OutputFormat != "pdf" {
		t.Fatalf("documents default to pdf, got %q", result.Job.OutputFormat)
	}
	keys, ok := result.Job.Options["merge_inputs"].([]string)
	if !ok || len(keys) != 2 {
		t.Fatalf("expected two stored merge inputs, got %#v", result.Job.Options["merge_inputs"])
	}
	for i, key := range keys {
		exists, err := env.store.Exists(ctx, key)
		if err != nil || !exists {
			t.Fatalf("merge input %d not stored: %v", i, err)
		}
	}
}

func TestSubmitSplitProducesZip(t *testing.T) {
	env := newTestEnv(t, admission.Config{})
	result, err := env.svc.Submit(context.Background(), SubmitInput{
		ToolType:     domain.ToolDocument,
		Operation:    domain.OpSplit,
		OutputFormat: "pdf",
		File:         Upload{Filename: "report.pdf", Size: 1, Content: strings.NewReader("a")},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.Job.OutputFormat != "zip" {
		t.Fatalf("split output must be a zip, got %q", result.Job.OutputFormat)
	}
}

func TestGetJobDetail(t *testing.T) {
	env := newTestEnv(t, admission.Config{})
	ctx := context.Background()

	result, err := env.svc.Submit(ctx, audioSubmission("x"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	detail, err := env.svc.GetJobDetail(ctx, result.Job.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Artifact == nil || detail.Artifact.Filename != "my song.mp3" {
		t.Fatalf("unexpected artifact %+v", detail.Artifact)
	}

	if _, err := env.svc.GetJob(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListJobsLimit(t *testing.T) {
	env := newTestEnv(t, admission.Config{})
	ctx := context.Background()
	for i := 0; i < DefaultListLimit+5; i++ {
		err := env.jobs.CreateJob(ctx, &domain.Job{
			ID:        fmt.Sprintf("job-%02d", i),
			ToolType:  domain.ToolImage,
			Status:    domain.JobStatusPending,
			ClientIP:  "10.0.0.3",
			CreatedAt: fixedNow.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
	}
	jobs, err := env.svc.ListJobs(ctx, "10.0.0.3")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != DefaultListLimit || jobs[0].ID != "job-24" {
		t.Fatalf("expected newest %d jobs, got %d starting at %s", DefaultListLimit, len(jobs), jobs[0].ID)
	}
}
