package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/docpipe/internal/domain"
)

const multipartMemoryBytes = 8 << 20

type uploadResponse struct {
	FileID string `json:"file_id"`
}

type documentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type documentResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Result    *string        `json:"result"`
	Error     *documentError `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Upload accepts a multipart form with the document in field "file".
func (api *API) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "file exceeds upload limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart form with a file field is required")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "file field is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "could not read uploaded file")
		return
	}

	id, err := api.documents.Submit(r.Context(), content, header.Filename)
	if err != nil {
		api.writeServiceError(w, r, err, "submit document")
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{FileID: id})
}

func (api *API) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}

	job, err := api.documents.GetDocument(r.Context(), id)
	if err != nil {
		api.writeServiceError(w, r, err, "load document")
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(job))
}

func toDocumentResponse(job *domain.Job) documentResponse {
	response := documentResponse{
		ID:        job.ID,
		Name:      job.Name,
		Status:    string(job.Status),
		Result:    job.Result,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status == domain.JobStatusFailed {
		response.Error = &documentError{Code: job.ErrorCode, Message: job.ErrorMessage}
	}
	return response
}
