package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
)

// ArtifactsRepository persists produced outputs and their expiry/download state.
type ArtifactsRepository interface {
	CreateArtifact(ctx context.Context, artifact *domain.Artifact) error
	GetArtifactByJob(ctx context.Context, jobID string) (*domain.Artifact, error)
	RecordDownload(ctx context.Context, artifactID string, at time.Time) (*domain.Artifact, error)
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Artifact, error)
	DeleteArtifact(ctx context.Context, artifactID string) error
}

type MemoryArtifactsRepository struct {
	mu        sync.RWMutex
	artifacts map[string]*domain.Artifact
}

func NewMemoryArtifactsRepository() *MemoryArtifactsRepository {
	return &MemoryArtifactsRepository{
		artifacts: make(map[string]*domain.Artifact),
	}
}

func (r *MemoryArtifactsRepository) CreateArtifact(_ context.Context, artifact *domain.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts[artifact.ID] = domain.CloneArtifact(artifact)
	return nil
}

func (r *MemoryArtifactsRepository) GetArtifactByJob(_ context.Context, jobID string) (*domain.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *domain.Artifact
	for _, artifact := range r.artifacts {
		if artifact.JobID != jobID {
			continue
		}
		if latest == nil || artifact.CreatedAt.After(latest.CreatedAt) {
			latest = artifact
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return domain.CloneArtifact(latest), nil
}

func (r *MemoryArtifactsRepository) RecordDownload(
	_ context.Context,
	artifactID string,
	at time.Time,
) (*domain.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifact, ok := r.artifacts[artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	artifact.RecordDownload(at)
	return domain.CloneArtifact(artifact), nil
}

func (r *MemoryArtifactsRepository) ListCreatedBefore(
	_ context.Context,
	cutoff time.Time,
	limit int,
) ([]*domain.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.Artifact, 0)
	for _, artifact := range r.artifacts {
		if artifact.CreatedAt.Before(cutoff) {
			items = append(items, domain.CloneArtifact(artifact))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryArtifactsRepository) DeleteArtifact(_ context.Context, artifactID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.artifacts[artifactID]; !ok {
		return ErrNotFound
	}
	delete(r.artifacts, artifactID)
	return nil
}
