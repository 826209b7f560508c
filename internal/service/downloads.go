package service

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/storage"
)

// Download is an open artifact. The caller closes Content.
type Download struct {
	Artifact *domain.Artifact
	Content  io.ReadCloser
}

// OpenDownload opens the output of a completed job and counts the download.
func (s *ConversionService) OpenDownload(ctx context.Context, jobID string) (*Download, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job is %s", ErrNotCompleted, job.Status)
	}

	artifact, err := s.artifacts.GetArtifactByJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrOutputMissing
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	if artifact.IsExpired(s.now()) {
		return nil, ErrArtifactExpired
	}

	content, err := s.store.Open(ctx, artifact.OutputRef)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, ErrOutputMissing
	}
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	updated, err := s.artifacts.RecordDownload(ctx, artifact.ID, s.now())
	if err != nil {
		s.log.Warn("download not counted", "artifact_id", artifact.ID, "error", err)
	} else {
		artifact = updated
	}
	return &Download{Artifact: artifact, Content: content}, nil
}
