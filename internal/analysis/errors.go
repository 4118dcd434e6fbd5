package analysis

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iago/docpipe/internal/domain"
)

// Error is a classified analysis failure. It matches domain.ErrAnalysis.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
	Timeout    bool
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("analysis status %d: %s", e.StatusCode, e.Message)
	}
	return "analysis: " + e.Message
}

func (e *Error) Unwrap() error {
	return domain.ErrAnalysis
}

// IsTransient reports whether err is worth retrying: timeouts, 429, 5xx and
// transport failures.
func IsTransient(err error) bool {
	var analysisErr *Error
	if errors.As(err, &analysisErr) {
		return analysisErr.Transient
	}
	return false
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
