package agent

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingCredential is returned by New when no API key is configured.
var ErrMissingCredential = errors.New("agent api key is required")

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("agent api: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode extracts the HTTP status from an *APIError, or 0.
func StatusCode(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	return 0
}
