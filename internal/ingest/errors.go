package ingest

import (
	"errors"
	"net/http"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrTooLarge          = errors.New("upload exceeds maximum size")
	ErrEmpty             = errors.New("upload is empty")
	ErrMissingFile       = errors.New("multipart field \"file\" required")
	ErrInvalidState      = errors.New("image is not eligible for resubmission")
)

// MapHTTPStatus maps ingestion errors to appropriate HTTP status codes.
func MapHTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrEmpty),
		errors.Is(err, ErrMissingFile),
		errors.Is(err, images.ErrInvalidHash):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, content.ErrIO):
		return http.StatusInsufficientStorage
	case errors.Is(err, annotation.ErrUnreachable), errors.Is(err, annotation.ErrRejected):
		return http.StatusBadGateway
	}
	return images.MapHTTPStatus(err)
}
