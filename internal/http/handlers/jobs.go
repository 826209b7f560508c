package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iago/converter-saas-back/internal/dispatch"
	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/http/middleware"
	"github.com/iago/converter-saas-back/internal/service"
)

// multipartOverhead leaves room for form fields and boundaries on top of the upload limit.
const multipartOverhead = 1 << 20

// Form fields that are not conversion options.
var reservedFields = map[string]bool{
	"file":          true,
	"files":         true,
	"output_format": true,
	"options":       true,
}

type submitResponse struct {
	jobResponse
	Mode string `json:"mode"`
}

// Submit accepts a multipart upload for POST /api/v1/{tool}/{operation}. The main
// file is "file", merge documents are "files", options come either as individual
// form fields or as a JSON object in "options".
func (api *API) Submit(w http.ResponseWriter, r *http.Request) {
	if api.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadSize+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, r, http.StatusRequestEntityTooLarge, errorBody{
				Code:    "file_too_large",
				Message: "File size exceeds maximum allowed size of " + strconv.FormatInt(api.maxUploadSize/(1024*1024), 10) + " MB",
				MaxSize: api.maxUploadSize,
			})
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "expected a multipart form upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file is required")
		return
	}
	defer file.Close()

	opts, err := formOptions(r.MultipartForm)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	extras := r.MultipartForm.File["files"]
	extraUploads := make([]service.Upload, 0, len(extras))
	for _, extraHeader := range extras {
		extra, err := extraHeader.Open()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "could not read "+extraHeader.Filename)
			return
		}
		defer extra.Close()
		extraUploads = append(extraUploads, service.Upload{
			Filename: extraHeader.Filename,
			Size:     extraHeader.Size,
			Content:  extra,
		})
	}

	result, err := api.conversions.Submit(r.Context(), service.SubmitInput{
		ToolType:     domain.ToolType(strings.ToLower(chi.URLParam(r, "tool"))),
		Operation:    domain.OperationType(strings.ToLower(chi.URLParam(r, "operation"))),
		OutputFormat: r.FormValue("output_format"),
		Options:      opts,
		File:         service.Upload{Filename: header.Filename, Size: header.Size, Content: file},
		Extra:        extraUploads,
		ClientIP:     middleware.GetClientIP(r.Context()),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	if result.Mode == dispatch.ModeAsync {
		writeJSON(w, http.StatusAccepted, submitResponse{
			jobResponse: newJobResponse(result.Job, nil),
			Mode:        string(result.Mode),
		})
		return
	}
	detail, err := api.conversions.GetJobDetail(r.Context(), result.Job.ID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	response := newJobResponse(detail.Job, detail.Artifact)
	response.Warnings = append([]string{}, result.Warnings...)
	writeJSON(w, http.StatusOK, submitResponse{jobResponse: response, Mode: string(result.Mode)})
}

// formOptions merges the JSON "options" field with the remaining plain form fields.
// Plain fields win.
func formOptions(form *multipart.Form) (map[string]any, error) {
	opts := make(map[string]any)
	if raw := form.Value["options"]; len(raw) > 0 && strings.TrimSpace(raw[0]) != "" {
		if err := json.Unmarshal([]byte(raw[0]), &opts); err != nil {
			return nil, errors.New("options must be a JSON object")
		}
	}
	for key, values := range form.Value {
		if reservedFields[key] || len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			opts[key] = values[0]
			continue
		}
		opts[key] = append([]string(nil), values...)
	}
	return opts, nil
}

func (api *API) JobDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := api.conversions.GetJobDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(detail.Job, detail.Artifact))
}

func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.conversions.ListJobs(r.Context(), middleware.GetClientIP(r.Context()))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, newJobResponse(job, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": items, "count": len(items)})
}

// Download streams the artifact of a completed job under its clean filename.
func (api *API) Download(w http.ResponseWriter, r *http.Request) {
	download, err := api.conversions.OpenDownload(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer download.Content.Close()

	artifact := download.Artifact
	contentType := mime.TypeByExtension("." + artifact.OutputFormat)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Filename}))
	if artifact.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.FileSize, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, download.Content); err != nil {
		api.log.Warn("download interrupted",
			"request_id", middleware.GetRequestID(r.Context()),
			"artifact_id", artifact.ID,
			"error", err,
		)
	}
}
