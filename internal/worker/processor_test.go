package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/codec"
	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/queue"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

type codecFunc func(ctx context.Context, req codec.Request) error

func (f codecFunc) Transform(ctx context.Context, req codec.Request) error {
	return f(ctx, req)
}

func copyCodec(_ context.Context, req codec.Request) error {
	input, err := os.ReadFile(req.InputPath)
	if err != nil {
		return err
	}
	return os.WriteFile(req.OutputPath, input, 0o644)
}

type harness struct {
	jobs     *repository.MemoryJobsRepository
	store    *storage.FileStore
	pipeline *dispatch.Pipeline
}

func newHarness(t *testing.T, transform codecFunc) *harness {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	registry := codec.NewRegistry()
	registry.Register(domain.ToolImage, transform)
	h := &harness{jobs: repository.NewMemoryJobsRepository(), store: store}
	h.pipeline = dispatch.NewPipeline(dispatch.Dependencies{
		Jobs:      h.jobs,
		Artifacts: repository.NewMemoryArtifactsRepository(),
		Usage:     repository.NewMemoryUsageRepository(),
		Storage:   store,
		Codecs:    registry,
	}, dispatch.Config{TempDir: t.TempDir()}, logger.Nop())
	return h
}

func (h *harness) createJob(t *testing.T, id string) *domain.Job {
	t.Helper()
	ctx := context.Background()
	key := storage.UploadKey(time.Now(), "photo.png")
	if _, err := h.store.Save(ctx, key, bytes.NewReader([]byte("png-bytes"))); err != nil {
		t.Fatalf("save upload: %v", err)
	}
	job := &domain.Job{
		ID:            id,
		ToolType:      domain.ToolImage,
		OperationType: domain.OpConvert,
		Status:        domain.JobStatusPending,
		InputFilename: "photo.png",
		InputRef:      key,
		FileSize:      9,
		InputFormat:   "png",
		OutputFormat:  "jpg",
		ClientIP:      "10.0.0.9",
		CreatedAt:     time.Now().UTC(),
	}
	if err := h.jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func (h *harness) waitForStatus(t *testing.T, jobID string, status domain.JobStatus) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.jobs.GetJob(context.Background(), jobID)
		if err == nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, status)
	return nil
}

func TestProcessorCompletesQueuedJobs(t *testing.T) {
	h := newHarness(t, copyCodec)
	q := queue.NewLocalQueue(16, queue.DefaultRetryPolicy(), logger.Nop())
	processor := NewProcessor(q, h.pipeline, Config{Concurrency: 3, WorkerID: "worker-test"}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	ids := []string{"job-a", "job-b", "job-c", "job-d"}
	for _, id := range ids {
		job := h.createJob(t, id)
		if err := q.Enqueue(ctx, domain.QueueMessage{JobID: job.ID, ToolType: job.ToolType, Operation: job.OperationType}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	for _, id := range ids {
		h.waitForStatus(t, id, domain.JobStatusCompleted)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("processor did not stop")
	}
}

func TestHandleHardLimitIsTimeout(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ codec.Request) error {
		<-ctx.Done()
		return domain.NewProcessingError(domain.KindTimeout, "fake", ctx.Err())
	})
	processor := NewProcessor(nil, h.pipeline, Config{HardLimit: 30 * time.Millisecond, WorkerID: "w"}, logger.Nop())
	job := h.createJob(t, "job-slow")

	err := processor.Handle(context.Background(), domain.QueueMessage{JobID: job.ID})
	if domain.KindOf(err) != domain.KindTimeout || !strings.Contains(err.Error(), "hard time limit") {
		t.Fatalf("expected hard limit timeout, got %v", err)
	}

	stored, _ := h.jobs.GetJob(context.Background(), job.ID)
	if stored.Status != domain.JobStatusProcessing {
		t.Fatalf("the queue decides the final outcome, job should still be processing, got %s", stored.Status)
	}
}

func TestHandleDropsFinishedJobs(t *testing.T) {
	called := false
	h := newHarness(t, func(context.Context, codec.Request) error {
		called = true
		return nil
	})
	processor := NewProcessor(nil, h.pipeline, Config{WorkerID: "w"}, logger.Nop())
	job := h.createJob(t, "job-failed")
	if _, err := h.jobs.FailJob(context.Background(), job.ID, "cancelled", time.Now()); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	if err := processor.Handle(context.Background(), domain.QueueMessage{JobID: job.ID}); err != nil {
		t.Fatalf("redelivery of a finished job must be acknowledged, got %v", err)
	}
	if err := processor.Handle(context.Background(), domain.QueueMessage{JobID: "missing"}); err != nil {
		t.Fatalf("unknown jobs must be acknowledged, got %v", err)
	}
	if called {
		t.Fatalf("codec must not run for finished jobs")
	}
}

func TestNewProcessorDefaults(t *testing.T) {
	processor := NewProcessor(nil, nil, Config{HardLimit: time.Hour, SoftLimit: 2 * time.Hour}, nil)
	if processor.cfg.Concurrency != 1 || processor.cfg.SoftLimit != 55*time.Minute || processor.cfg.WorkerID == "" {
		t.Fatalf("unexpected defaults %+v", processor.cfg)
	}
}

type recordingProducer struct {
	mu       sync.Mutex
	messages []domain.QueueMessage
	err      error
}

func (p *recordingProducer) Enqueue(_ context.Context, message domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, message)
	return nil
}

func TestReclaimerRequeuesExpiredLeases(t *testing.T) {
	h := newHarness(t, copyCodec)
	ctx := context.Background()
	now := time.Now().UTC()

	orphan := h.createJob(t, "job-orphan")
	if _, err := h.jobs.ClaimJob(ctx, orphan.ID, "crashed", now.Add(-10*time.Minute), time.Minute); err != nil {
		t.Fatalf("claim orphan: %v", err)
	}
	recent := h.createJob(t, "job-recent")
	if _, err := h.jobs.ClaimJob(ctx, recent.ID, "slow", now.Add(-90*time.Second), time.Minute); err != nil {
		t.Fatalf("claim recent: %v", err)
	}
	live := h.createJob(t, "job-live")
	if _, err := h.jobs.ClaimJob(ctx, live.ID, "alive", now, time.Minute); err != nil {
		t.Fatalf("claim live: %v", err)
	}

	producer := &recordingProducer{}
	reclaimer := NewReclaimer(h.jobs, producer, ReclaimerConfig{Interval: time.Second, Grace: time.Minute}, logger.Nop())
	reclaimer.now = func() time.Time { return now }

	count, err := reclaimer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if count != 1 || len(producer.messages) != 1 || producer.messages[0].JobID != "job-orphan" {
		t.Fatalf("expected only the orphan to be re-enqueued, got %d %+v", count, producer.messages)
	}
	if producer.messages[0].ToolType != domain.ToolImage || producer.messages[0].Attempt != 0 {
		t.Fatalf("unexpected message %+v", producer.messages[0])
	}

	stored, _ := h.jobs.GetJob(ctx, orphan.ID)
	if stored.Status != domain.JobStatusProcessing || stored.ClaimedBy != "" {
		t.Fatalf("reclaimed job stays processing without a holder, got %+v", stored)
	}
	if _, err := h.jobs.ClaimJob(ctx, orphan.ID, "new-worker", now, time.Minute); err != nil {
		t.Fatalf("a new worker must be able to claim the reclaimed job: %v", err)
	}
}

func TestReclaimerRetriesFailedEnqueueOnNextPass(t *testing.T) {
	h := newHarness(t, copyCodec)
	ctx := context.Background()
	now := time.Now().UTC()
	job := h.createJob(t, "job-orphan")
	_, _ = h.jobs.ClaimJob(ctx, job.ID, "crashed", now.Add(-time.Hour), time.Minute)

	producer := &recordingProducer{err: errors.New("redis down")}
	reclaimer := NewReclaimer(h.jobs, producer, ReclaimerConfig{Interval: time.Second}, logger.Nop())
	reclaimer.now = func() time.Time { return now }
	count, err := reclaimer.RunOnce(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected zero requeued without error, got %d (%v)", count, err)
	}
	stored, _ := h.jobs.GetJob(ctx, job.ID)
	if stored.Status != domain.JobStatusProcessing || stored.ClaimedBy != "" || stored.LeaseExpiresAt == nil {
		t.Fatalf("job must stay reclaimable after a failed enqueue, got %+v", stored)
	}

	producer.err = nil
	reclaimer.now = func() time.Time { return now.Add(reclaimer.cfg.Interval) }
	count, err = reclaimer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if count != 1 || len(producer.messages) != 1 || producer.messages[0].JobID != job.ID {
		t.Fatalf("expected the orphan to be re-enqueued on the next pass, got %d %+v", count, producer.messages)
	}
}

func TestReclaimerRequeuesStalePendingJobs(t *testing.T) {
	h := newHarness(t, copyCodec)
	ctx := context.Background()
	stale := h.createJob(t, "job-lost")
	lost := h.createJob(t, "job-lost-twice")
	now := time.Now().UTC().Add(20 * time.Minute)

	producer := &recordingProducer{}
	reclaimer := NewReclaimer(h.jobs, producer, ReclaimerConfig{PendingAfter: 15 * time.Minute}, logger.Nop())
	reclaimer.now = func() time.Time { return now }

	count, err := reclaimer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if count != 2 || len(producer.messages) != 2 {
		t.Fatalf("expected both stale pending jobs to be re-enqueued, got %d %+v", count, producer.messages)
	}
	stored, _ := h.jobs.GetJob(ctx, stale.ID)
	if stored.Status != domain.JobStatusPending {
		t.Fatalf("requeued job stays pending, got %s", stored.Status)
	}

	reclaimer.now = func() time.Time { return now.Add(time.Minute) }
	if count, _ := reclaimer.RunOnce(ctx); count != 0 {
		t.Fatalf("a requeued job must not be enqueued again before its next check, got %d", count)
	}

	if _, err := h.jobs.ClaimJob(ctx, stale.ID, "worker-1", now, time.Hour); err != nil {
		t.Fatalf("claim: %v", err)
	}
	producer.err = errors.New("redis down")
	reclaimer.now = func() time.Time { return now.Add(16 * time.Minute) }
	if count, _ := reclaimer.RunOnce(ctx); count != 0 {
		t.Fatalf("expected failed enqueue, got %d", count)
	}

	producer.err = nil
	reclaimer.now = func() time.Time { return now.Add(17 * time.Minute) }
	count, err = reclaimer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if count != 1 || producer.messages[len(producer.messages)-1].JobID != lost.ID {
		t.Fatalf("expected only the still pending job to be retried, got %d %+v", count, producer.messages)
	}
}
