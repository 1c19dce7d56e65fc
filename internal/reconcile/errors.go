package reconcile

import (
	"errors"
	"net/http"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
)

var (
	// ErrCycleInProgress indicates a poll cycle is already running.
	ErrCycleInProgress = errors.New("poll cycle already in progress")
	ErrInvalidPayload  = errors.New("invalid webhook payload")
)

// MapHTTPStatus maps reconciliation errors to appropriate HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrCycleInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, annotation.ErrUnreachable), errors.Is(err, annotation.ErrRejected):
		return http.StatusBadGateway
	case errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, content.ErrIO):
		return http.StatusInsufficientStorage
	}
	return images.MapHTTPStatus(err)
}
