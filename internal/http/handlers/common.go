package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/iago/converter-saas-back/internal/admission"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/http/middleware"
	"github.com/iago/converter-saas-back/internal/logger"
	"github.com/iago/converter-saas-back/internal/queue"
	"github.com/iago/converter-saas-back/internal/repository"
	"github.com/iago/converter-saas-back/internal/service"
)

// multipartMemory is how much of a multipart body is kept in memory before spilling to disk.
const multipartMemory = 32 << 20

type API struct {
	conversions   *service.ConversionService
	maxUploadSize int64
	log           *logger.Logger
}

func NewAPI(conversions *service.ConversionService, maxUploadSize int64, log *logger.Logger) *API {
	if log == nil {
		log = logger.Nop()
	}
	return &API{
		conversions:   conversions,
		maxUploadSize: maxUploadSize,
		log:           log.Named("http"),
	}
}

type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	JobID             string `json:"job_id,omitempty"`
	Details           string `json:"details,omitempty"`
	RemainingRequests *int   `json:"remaining_requests,omitempty"`
	MaxSize           int64  `json:"max_size,omitempty"`
}

type errorPayload struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

type jobResponse struct {
	ID             string     `json:"id"`
	ToolType       string     `json:"tool_type"`
	OperationType  string     `json:"operation_type"`
	Status         string     `json:"status"`
	InputFilename  string     `json:"input_filename"`
	FileSize       int64      `json:"file_size"`
	InputFormat    string     `json:"input_format"`
	OutputFormat   string     `json:"output_format"`
	Duration       *float64   `json:"duration,omitempty"`
	Warnings       []string   `json:"warnings"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessingTime *float64   `json:"processing_time,omitempty"`

	DownloadURL   string     `json:"download_url,omitempty"`
	Filename      string     `json:"filename,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DownloadCount *int       `json:"download_count,omitempty"`
}

func newJobResponse(job *domain.Job, artifact *domain.Artifact) jobResponse {
	response := jobResponse{
		ID:            job.ID,
		ToolType:      string(job.ToolType),
		OperationType: string(job.OperationType),
		Status:        string(job.Status),
		InputFilename: job.InputFilename,
		FileSize:      job.FileSize,
		InputFormat:   job.InputFormat,
		OutputFormat:  job.OutputFormat,
		Duration:      job.Duration,
		Warnings:      job.Warnings,
		ErrorMessage:  job.ErrorMessage,
		CreatedAt:     job.CreatedAt,
		CompletedAt:   job.CompletedAt,
	}
	if response.Warnings == nil {
		response.Warnings = []string{}
	}
	if elapsed, ok := job.ProcessingTime(); ok {
		seconds := elapsed.Seconds()
		response.ProcessingTime = &seconds
	}
	if artifact != nil {
		expires := artifact.ExpiresAt
		downloads := artifact.DownloadCount
		response.DownloadURL = "/api/v1/jobs/" + job.ID + "/download"
		response.Filename = artifact.Filename
		response.ExpiresAt = &expires
		response.DownloadCount = &downloads
	}
	return response
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeErrorBody(w, r, statusCode, errorBody{Code: code, Message: message})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, statusCode int, body errorBody) {
	writeJSON(w, statusCode, errorPayload{Error: body, RequestID: middleware.GetRequestID(r.Context())})
}

// writeServiceError maps service, admission and repository errors onto the error envelope.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if rejection, ok := admission.AsRejection(err); ok {
		body := errorBody{Code: string(rejection.Reason), Message: rejection.Message}
		status := http.StatusBadRequest
		switch rejection.Reason {
		case admission.ReasonRateLimited:
			status = http.StatusTooManyRequests
			remaining := rejection.RemainingRequests
			body.RemainingRequests = &remaining
		case admission.ReasonFileTooLarge:
			status = http.StatusRequestEntityTooLarge
			body.MaxSize = rejection.MaxSize
		case admission.ReasonDuplicateJob:
			status = http.StatusConflict
			body.JobID = rejection.JobID
		}
		writeErrorBody(w, r, status, body)
		return
	}

	var failed *service.JobFailedError
	if errors.As(err, &failed) {
		if errors.Is(err, queue.ErrQueueBackpressure) || errors.Is(err, queue.ErrBatchingClosed) {
			writeErrorBody(w, r, http.StatusServiceUnavailable, errorBody{
				Code:    "queue_unavailable",
				Message: "The conversion queue is busy. Please try again later.",
				JobID:   failed.Job.ID,
			})
			return
		}
		writeErrorBody(w, r, http.StatusInternalServerError, errorBody{
			Code:    "processing_failed",
			Message: "Conversion failed",
			JobID:   failed.Job.ID,
			Details: failed.Job.ErrorMessage,
		})
		return
	}

	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, service.ErrNotCompleted):
		writeError(w, r, http.StatusConflict, "job_not_completed", err.Error())
	case errors.Is(err, service.ErrArtifactExpired):
		writeError(w, r, http.StatusGone, "artifact_expired", "The converted file has expired")
	case errors.Is(err, service.ErrOutputMissing):
		writeError(w, r, http.StatusNotFound, "output_missing", "The converted file is no longer available")
	default:
		api.log.Error("request failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
