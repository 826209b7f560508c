package domain

import (
	"errors"
	"time"
)

type ToolType string

const (
	ToolAudio    ToolType = "audio"
	ToolVideo    ToolType = "video"
	ToolImage    ToolType = "image"
	ToolDocument ToolType = "document"
)

func (t ToolType) Valid() bool {
	switch t {
	case ToolAudio, ToolVideo, ToolImage, ToolDocument:
		return true
	}
	return false
}

type OperationType string

const (
	OpConvert     OperationType = "convert"
	OpTrim        OperationType = "trim"
	OpMerge       OperationType = "merge"
	OpSplit       OperationType = "split"
	OpCompress    OperationType = "compress"
	OpExtract     OperationType = "extract"
	OpRotate      OperationType = "rotate"
	OpProtect     OperationType = "protect"
	OpUnlock      OperationType = "unlock"
	OpReorder     OperationType = "reorder"
	OpDeletePages OperationType = "delete_pages"
)

func (o OperationType) Valid() bool {
	switch o {
	case OpConvert, OpTrim, OpMerge, OpSplit, OpCompress, OpExtract,
		OpRotate, OpProtect, OpUnlock, OpReorder, OpDeletePages:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var (
	// ErrInvalidTransition is returned when a job is asked to move backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrLeaseHeld is returned when another worker still owns a live lease on the job.
	ErrLeaseHeld = errors.New("job lease held by another worker")
)

// Job is the durable record of one conversion request.
type Job struct {
	ID            string
	ToolType      ToolType
	OperationType OperationType
	Status        JobStatus

	InputFilename string
	InputRef      string
	FileSize      int64
	OutputRef     string

	InputFormat  string
	OutputFormat string
	Options      map[string]any
	Warnings     []string

	// Duration is filled by the probe step; nil when unknown.
	Duration *float64

	ClientIP  string
	UserAgent string

	ErrorMessage string
	CreatedAt    time.Time
	CompletedAt  *time.Time

	ClaimedBy      string
	LeaseExpiresAt *time.Time
}

// MarkProcessing moves a pending job to processing. Any other source state is a contract violation.
func (j *Job) MarkProcessing() error {
	if j.Status != JobStatusPending {
		return ErrInvalidTransition
	}
	j.Status = JobStatusProcessing
	return nil
}

func (j *Job) MarkCompleted(outputRef string, at time.Time) error {
	if j.Status != JobStatusProcessing {
		return ErrInvalidTransition
	}
	if outputRef == "" {
		return errors.New("completed job requires an output reference")
	}
	completed := at.UTC()
	j.Status = JobStatusCompleted
	j.OutputRef = outputRef
	j.CompletedAt = &completed
	j.ErrorMessage = ""
	j.releaseLease()
	return nil
}

// MarkFailed is valid from pending (dispatch never started) and processing.
func (j *Job) MarkFailed(message string, at time.Time) error {
	if j.Status.Terminal() {
		return ErrInvalidTransition
	}
	if message == "" {
		message = "unknown error"
	}
	completed := at.UTC()
	j.Status = JobStatusFailed
	j.ErrorMessage = message
	j.OutputRef = ""
	j.CompletedAt = &completed
	j.releaseLease()
	return nil
}

// Claim takes ownership of the job for workerID until now+lease.
// Pending jobs are moved to processing. A processing job can be re-claimed by its
// current holder (retry) or by anyone once the lease is released or expired.
func (j *Job) Claim(workerID string, now time.Time, lease time.Duration) error {
	switch j.Status {
	case JobStatusPending:
		if err := j.MarkProcessing(); err != nil {
			return err
		}
	case JobStatusProcessing:
		if j.ClaimedBy != "" && j.ClaimedBy != workerID &&
			j.LeaseExpiresAt != nil && now.Before(*j.LeaseExpiresAt) {
			return ErrLeaseHeld
		}
	default:
		return ErrInvalidTransition
	}
	expires := now.Add(lease).UTC()
	j.ClaimedBy = workerID
	j.LeaseExpiresAt = &expires
	return nil
}

func (j *Job) releaseLease() {
	j.ClaimedBy = ""
	j.LeaseExpiresAt = nil
}

// ProcessingTime is completed_at minus created_at, or zero while the job is running.
func (j *Job) ProcessingTime() (time.Duration, bool) {
	if j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(j.CreatedAt), true
}

// ToolName is the usage-log name of the job's tool, e.g. "audio_convert".
func (j *Job) ToolName() string {
	return ToolName(j.ToolType, j.OperationType)
}

func ToolName(tool ToolType, op OperationType) string {
	return string(tool) + "_" + string(op)
}

func CloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	if job.Options != nil {
		clone.Options = make(map[string]any, len(job.Options))
		for key, value := range job.Options {
			clone.Options[key] = value
		}
	}
	clone.Warnings = append([]string(nil), job.Warnings...)
	if job.Duration != nil {
		duration := *job.Duration
		clone.Duration = &duration
	}
	if job.CompletedAt != nil {
		completed := *job.CompletedAt
		clone.CompletedAt = &completed
	}
	if job.LeaseExpiresAt != nil {
		lease := *job.LeaseExpiresAt
		clone.LeaseExpiresAt = &lease
	}
	return &clone
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string        `json:"job_id"`
	ToolType    ToolType      `json:"tool_type"`
	Operation   OperationType `json:"operation_type"`
	Attempt     int           `json:"attempt"`
	RequestedAt time.Time     `json:"requested_at"`
}

// DuplicateQuery is the fingerprint used by the duplicate-submission gate.
type DuplicateQuery struct {
	ClientIP string
	ToolType ToolType
	FileSize int64
	Since    time.Time
}

// ActiveJobsQuery counts a client's pending and processing jobs for the rate window.
// Empty Operation matches every operation of the tool; empty ToolType matches every tool.
type ActiveJobsQuery struct {
	ClientIP  string
	ToolType  ToolType
	Operation OperationType
	Since     time.Time
}

func (q ActiveJobsQuery) Matches(job *Job) bool {
	if job.ClientIP != q.ClientIP || job.Status.Terminal() || job.CreatedAt.Before(q.Since) {
		return false
	}
	if q.ToolType != "" && job.ToolType != q.ToolType {
		return false
	}
	return q.Operation == "" || job.OperationType == q.Operation
}
