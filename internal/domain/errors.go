package domain

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrStorage      = errors.New("storage error")
	ErrConversion   = errors.New("conversion error")
	ErrAnalysis     = errors.New("analysis error")
	ErrNotFound     = errors.New("resource not found")

	// ErrStaleTransition is returned when a status write is rejected because the
	// record already moved past the requested state.
	ErrStaleTransition = errors.New("stale status transition")
)

const (
	ErrorCodeStorage    = "storage_error"
	ErrorCodeConversion = "conversion_error"
	ErrorCodeAnalysis   = "analysis_error"
)

// ErrorCode maps a pipeline failure to the code stored on the job record.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConversion):
		return ErrorCodeConversion
	case errors.Is(err, ErrAnalysis):
		return ErrorCodeAnalysis
	default:
		return ErrorCodeStorage
	}
}
