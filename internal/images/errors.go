package images

import (
	"errors"
	"net/http"

	"github.com/JaimeStill/aperture/pkg/repository"
)

// Domain errors for image record operations.
var (
	ErrNotFound          = errors.New("image not found")
	ErrConflict          = errors.New("image already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidHash       = errors.New("invalid content hash")
)

// MapHTTPStatus maps image domain errors to appropriate HTTP status codes.
func MapHTTPStatus(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrInvalidHash) {
		return http.StatusBadRequest
	}
	if errors.Is(err, repository.ErrBusy) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
