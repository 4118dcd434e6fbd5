package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/iago/docpipe/internal/domain"
	"github.com/iago/docpipe/internal/http/middleware"
	"github.com/iago/docpipe/internal/service"
)

const defaultMaxUploadBytes = 20 << 20

type API struct {
	documents      *service.DocumentsService
	maxUploadBytes int64
	logger         *log.Logger
}

func NewAPI(documents *service.DocumentsService, maxUploadBytes int64, logger *log.Logger) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &API{
		documents:      documents,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps gateway errors onto HTTP statuses.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, action string) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "document not found")
	default:
		if api.logger != nil {
			api.logger.Printf("request failed request_id=%s action=%s err=%v", middleware.GetRequestID(r.Context()), action, err)
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to "+action)
	}
}
