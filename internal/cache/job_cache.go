package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
)

var lookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "converter_job_cache_lookups_total",
	Help: "Job cache lookups, by result.",
}, []string{"result"})

type Config struct {
	TTL        time.Duration
	MaxEntries int
}

// JobCache keeps terminal jobs only. A terminal job never changes again, so a
// cached copy cannot go stale; running jobs are always read from the repository.
type JobCache struct {
	entries *expirable.LRU[string, *domain.Job]
}

func NewJobCache(config Config) *JobCache {
	if config.TTL <= 0 {
		config.TTL = 10 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1024
	}
	return &JobCache{
		entries: expirable.NewLRU[string, *domain.Job](config.MaxEntries, nil, config.TTL),
	}
}

func (c *JobCache) Get(jobID string) (*domain.Job, bool) {
	job, ok := c.entries.Get(jobID)
	if !ok {
		lookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	lookups.WithLabelValues("hit").Inc()
	return domain.CloneJob(job), true
}

// Set stores job if it is terminal and reports whether it was stored.
func (c *JobCache) Set(job *domain.Job) bool {
	if job == nil || !job.Status.Terminal() {
		return false
	}
	c.entries.Add(job.ID, domain.CloneJob(job))
	return true
}

func (c *JobCache) Len() int {
	return c.entries.Len()
}
