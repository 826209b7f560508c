package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
)

// Completer finishes a job together with its artifact record. On error the job
// is still processing and no artifact for it is left behind.
type Completer interface {
	CompleteWithArtifact(
		ctx context.Context,
		jobID string,
		outputRef string,
		at time.Time,
		artifact *domain.Artifact,
	) (*domain.Job, error)
}

// NewCompleter uses the jobs repository directly when it can complete in one
// transaction and falls back to an artifact-first sequence otherwise.
func NewCompleter(jobs JobsRepository, artifacts ArtifactsRepository) Completer {
	if completer, ok := jobs.(Completer); ok {
		return completer
	}
	return &sequentialCompleter{jobs: jobs, artifacts: artifacts}
}

// sequentialCompleter writes the artifact first and removes it again when the
// job cannot be completed.
type sequentialCompleter struct {
	jobs      JobsRepository
	artifacts ArtifactsRepository
}

func (c *sequentialCompleter) CompleteWithArtifact(
	ctx context.Context,
	jobID string,
	outputRef string,
	at time.Time,
	artifact *domain.Artifact,
) (*domain.Job, error) {
	if err := c.artifacts.CreateArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	completed, err := c.jobs.CompleteJob(ctx, jobID, outputRef, at)
	if err != nil {
		if deleteErr := c.artifacts.DeleteArtifact(ctx, artifact.ID); deleteErr != nil {
			return nil, errors.Join(err, fmt.Errorf("remove artifact %s: %w", artifact.ID, deleteErr))
		}
		return nil, err
	}
	return completed, nil
}
