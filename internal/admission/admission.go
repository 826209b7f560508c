// Package admission gates submissions before a job record is created.
// Gates run in a fixed order: rate limit, then size, then duplicate.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/repository"
)

const rateWindow = time.Hour

type Reason string

const (
	ReasonRateLimited  Reason = "rate_limited"
	ReasonFileTooLarge Reason = "file_too_large"
	ReasonDuplicateJob Reason = "duplicate_job"
)

var rejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "converter_admission_rejections_total",
	Help: "Submissions rejected before job creation, by reason.",
}, []string{"reason"})

// Rejection is returned when a gate refuses the submission.
type Rejection struct {
	Reason            Reason
	Message           string
	RemainingRequests int
	MaxSize           int64
	JobID             string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

type Request struct {
	ClientIP  string
	ToolType  domain.ToolType
	Operation domain.OperationType
	FileSize  int64
}

type Config struct {
	RequestsPerHour int
	MaxUploadSize   int64
	DuplicateWindow time.Duration
	// PerTool scopes the hourly ceiling to the requested tool name instead of all tools.
	PerTool bool
}

type Controller struct {
	usage repository.UsageRepository
	jobs  repository.JobsRepository
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
}

func NewController(
	usage repository.UsageRepository,
	jobs repository.JobsRepository,
	cfg Config,
	log *logger.Logger,
) *Controller {
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 5 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Controller{
		usage: usage,
		jobs:  jobs,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Check runs every gate and returns a *Rejection from the first one that refuses.
// Other errors mean a gate could not be evaluated.
func (c *Controller) Check(ctx context.Context, req Request) error {
	if err := c.checkRate(ctx, req); err != nil {
		return c.reject(req, err)
	}
	if err := c.checkSize(req); err != nil {
		return c.reject(req, err)
	}
	if err := c.checkDuplicate(ctx, req); err != nil {
		return c.reject(req, err)
	}
	return nil
}

// Remaining is the number of submissions left in the current window. Jobs still
// pending or processing count against it as well, since their usage entry is only
// written once they finish.
func (c *Controller) Remaining(ctx context.Context, clientIP string, tool domain.ToolType, op domain.OperationType) (int, error) {
	count, err := c.usage.CountUsageSince(ctx, c.usageQuery(clientIP, tool, op))
	if err != nil {
		return 0, fmt.Errorf("count usage: %w", err)
	}
	active, err := c.jobs.CountActiveJobs(ctx, c.activeQuery(clientIP, tool, op))
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return max(0, c.cfg.RequestsPerHour-count-active), nil
}

func (c *Controller) checkRate(ctx context.Context, req Request) error {
	if c.cfg.RequestsPerHour <= 0 {
		return nil
	}
	remaining, err := c.Remaining(ctx, req.ClientIP, req.ToolType, req.Operation)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}
	return &Rejection{
		Reason:            ReasonRateLimited,
		Message:           "Rate limit exceeded. Please try again later.",
		RemainingRequests: 0,
	}
}

func (c *Controller) checkSize(req Request) error {
	if c.cfg.MaxUploadSize <= 0 || req.FileSize <= c.cfg.MaxUploadSize {
		return nil
	}
	return &Rejection{
		Reason:  ReasonFileTooLarge,
		Message: fmt.Sprintf("File size exceeds maximum allowed size of %d MB", c.cfg.MaxUploadSize/(1024*1024)),
		MaxSize: c.cfg.MaxUploadSize,
	}
}

func (c *Controller) checkDuplicate(ctx context.Context, req Request) error {
	existing, err := c.jobs.FindActiveDuplicate(ctx, domain.DuplicateQuery{
		ClientIP: req.ClientIP,
		ToolType: req.ToolType,
		FileSize: req.FileSize,
		Since:    c.now().UTC().Add(-c.cfg.DuplicateWindow),
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find duplicate job: %w", err)
	}
	return &Rejection{
		Reason:  ReasonDuplicateJob,
		Message: "A similar job is already being processed. Please wait for it to complete.",
		JobID:   existing.ID,
	}
}

func (c *Controller) usageQuery(clientIP string, tool domain.ToolType, op domain.OperationType) domain.UsageQuery {
	query := domain.UsageQuery{
		ClientIP: clientIP,
		Since:    c.now().UTC().Add(-rateWindow),
	}
	if c.cfg.PerTool {
		query.ToolName = domain.ToolName(tool, op)
	}
	return query
}

func (c *Controller) activeQuery(clientIP string, tool domain.ToolType, op domain.OperationType) domain.ActiveJobsQuery {
	query := domain.ActiveJobsQuery{
		ClientIP: clientIP,
		Since:    c.now().UTC().Add(-rateWindow),
	}
	if c.cfg.PerTool {
		query.ToolType = tool
		query.Operation = op
	}
	return query
}

func (c *Controller) reject(req Request, err error) error {
	if rejection, ok := AsRejection(err); ok {
		rejectionsTotal.WithLabelValues(string(rejection.Reason)).Inc()
		c.log.Info("submission rejected",
			"reason", rejection.Reason,
			"client_ip", req.ClientIP,
			"tool", domain.ToolName(req.ToolType, req.Operation),
			"file_size", req.FileSize,
			"job_id", rejection.JobID,
		)
	}
	return err
}
