package sweeper

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	artifacts *repository.MemoryArtifactsRepository
	jobs      *repository.MemoryJobsRepository
	store     *storage.FileStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return &fixture{
		artifacts: repository.NewMemoryArtifactsRepository(),
		jobs:      repository.NewMemoryJobsRepository(),
		store:     store,
	}
}

func (f *fixture) put(t *testing.T, key string) {
	t.Helper()
	if _, err := f.store.Save(context.Background(), key, strings.NewReader("bytes")); err != nil {
		t.Fatalf("save %s: %v", key, err)
	}
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := f.store.Exists(context.Background(), key)
	if err != nil {
		t.Fatalf("exists %s: %v", key, err)
	}
	return ok
}

// completedArtifact stores a completed job with input and output bytes and its artifact created at createdAt.
func (f *fixture) completedArtifact(t *testing.T, id string, createdAt time.Time) *domain.Artifact {
	t.Helper()
	ctx := context.Background()
	input, output := "uploads/"+id+".wav", "outputs/"+id+".mp3"
	f.put(t, input)
	f.put(t, output)

	job := &domain.Job{
		ID:            id,
		ToolType:      domain.ToolAudio,
		OperationType: domain.OpConvert,
		Status:        domain.JobStatusPending,
		InputFilename: id + ".wav",
		InputRef:      input,
		OutputFormat:  "mp3",
		CreatedAt:     createdAt,
	}
	if err := f.jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := f.jobs.ClaimJob(ctx, id, "w", createdAt, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	completed, err := f.jobs.CompleteJob(ctx, id, output, createdAt)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	artifact := domain.NewArtifact("artifact-"+id, completed, 5, time.Hour, createdAt)
	if err := f.artifacts.CreateArtifact(ctx, artifact); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	return artifact
}

func TestRunOnceRemovesOnlyArtifactsPastTTL(t *testing.T) {
	f := newFixture(t)
	old := f.completedArtifact(t, "old", fixedNow.Add(-time.Hour-time.Second))
	fresh := f.completedArtifact(t, "fresh", fixedNow)

	s := New(f.artifacts, f.jobs, f.store, time.Hour, time.Minute, logger.Nop())
	s.now = func() time.Time { return fixedNow }

	removed, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one artifact removed, got %d", removed)
	}

	if _, err := f.artifacts.GetArtifactByJob(context.Background(), old.JobID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected old artifact to be gone, got %v", err)
	}
	if f.exists(t, "uploads/old.wav") || f.exists(t, "outputs/old.mp3") {
		t.Fatalf("expected old input and output bytes to be deleted")
	}

	if _, err := f.artifacts.GetArtifactByJob(context.Background(), fresh.JobID); err != nil {
		t.Fatalf("fresh artifact must stay: %v", err)
	}
	if !f.exists(t, "uploads/fresh.wav") || !f.exists(t, "outputs/fresh.mp3") {
		t.Fatalf("fresh bytes must stay")
	}
}

type failingDeleteStore struct {
	storage.Storage
	failKey string
	deleted []string
}

func (s *failingDeleteStore) Delete(ctx context.Context, key string) error {
	if key == s.failKey {
		return errors.New("permission denied")
	}
	s.deleted = append(s.deleted, key)
	return s.Storage.Delete(ctx, key)
}

func TestRunOnceContinuesPastDeleteFailures(t *testing.T) {
	f := newFixture(t)
	f.completedArtifact(t, "a", fixedNow.Add(-2*time.Hour))
	f.completedArtifact(t, "b", fixedNow.Add(-3*time.Hour))

	store := &failingDeleteStore{Storage: f.store, failKey: "outputs/a.mp3"}
	s := New(f.artifacts, f.jobs, store, time.Hour, time.Minute, logger.Nop())
	s.now = func() time.Time { return fixedNow }

	removed, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if removed != 2 {
		t.Fatalf("a failed file deletion must not block the record, got %d removed", removed)
	}
	if f.exists(t, "uploads/a.wav") {
		t.Fatalf("input of a must still be deleted after its output failed")
	}
	if !f.exists(t, "outputs/a.mp3") {
		t.Fatalf("the failing object stays behind")
	}
}

func TestRunOnceToleratesMissingJob(t *testing.T) {
	f := newFixture(t)
	f.put(t, "outputs/orphan.mp3")
	artifact := &domain.Artifact{
		ID:        "artifact-orphan",
		JobID:     "gone",
		OutputRef: "outputs/orphan.mp3",
		CreatedAt: fixedNow.Add(-2 * time.Hour),
		ExpiresAt: fixedNow.Add(-time.Hour),
	}
	if err := f.artifacts.CreateArtifact(context.Background(), artifact); err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	s := New(f.artifacts, f.jobs, f.store, time.Hour, time.Minute, logger.Nop())
	s.now = func() time.Time { return fixedNow }
	removed, err := s.RunOnce(context.Background())
	if err != nil || removed != 1 {
		t.Fatalf("expected orphan artifact removed, got %d (%v)", removed, err)
	}
	if f.exists(t, "outputs/orphan.mp3") {
		t.Fatalf("orphan output must be deleted")
	}
}

func TestStartRunsImmediatelyAndStop(t *testing.T) {
	f := newFixture(t)
	old := f.completedArtifact(t, "old", time.Now().Add(-2*time.Hour))

	s := New(f.artifacts, f.jobs, f.store, time.Hour, time.Hour, logger.Nop())
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.artifacts.GetArtifactByJob(context.Background(), old.JobID); errors.Is(err, repository.ErrNotFound) {
			s.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("the first pass must run on start")
}
