package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/iago/converter-saas-back/internal/domain"
)

// UsageRepository is the append-only usage log consulted by admission control.
type UsageRepository interface {
	RecordUsage(ctx context.Context, entry *domain.UsageEntry) error
	CountUsageSince(ctx context.Context, query domain.UsageQuery) (int, error)
	ListUsageByJob(ctx context.Context, jobID string) ([]*domain.UsageEntry, error)
}

type MemoryUsageRepository struct {
	mu      sync.RWMutex
	entries []domain.UsageEntry
}

func NewMemoryUsageRepository() *MemoryUsageRepository {
	return &MemoryUsageRepository{}
}

func (r *MemoryUsageRepository) RecordUsage(_ context.Context, entry *domain.UsageEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *MemoryUsageRepository) CountUsageSince(_ context.Context, query domain.UsageQuery) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, entry := range r.entries {
		if entry.ClientIP != query.ClientIP || entry.UsedAt.Before(query.Since) {
			continue
		}
		if query.ToolName != "" && entry.ToolName != query.ToolName {
			continue
		}
		count++
	}
	return count, nil
}

func (r *MemoryUsageRepository) ListUsageByJob(_ context.Context, jobID string) ([]*domain.UsageEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]*domain.UsageEntry, 0)
	for _, entry := range r.entries {
		if entry.JobID == jobID {
			copied := entry
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UsedAt.Before(items[j].UsedAt)
	})
	return items, nil
}
