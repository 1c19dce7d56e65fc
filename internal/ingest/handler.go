package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/pkg/handlers"
	"github.com/JaimeStill/aperture/pkg/middleware"
	"github.com/JaimeStill/aperture/pkg/routes"
)

// multipartOverhead is the body allowance for boundaries and part headers
// on top of the file itself.
const multipartOverhead = 64 << 10

// Handler provides HTTP endpoints for uploads and operator resubmission.
type Handler struct {
	svc    Service
	images images.System
	cfg    *Config
	logger *slog.Logger
}

// NewHandler creates a Handler over the ingestion service.
func NewHandler(svc Service, imgs images.System, cfg *Config, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		images: imgs,
		cfg:    cfg,
		logger: logger.With("handler", "ingest"),
	}
}

// Routes returns the route group definition for ingestion endpoints.
func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Routes: []routes.Route{
			{
				Method:     "POST",
				Pattern:    "/upload",
				Handler:    h.Upload,
				Middleware: []func(http.Handler) http.Handler{middleware.MaxBytes(h.cfg.MaxUploadSizeBytes() + multipartOverhead)},
			},
			{Method: "POST", Pattern: "/images/{hash}/resubmit", Handler: h.Resubmit},
		},
	}
}

// Upload streams the multipart field "file" into the ingestion service.
// Responds 201 for newly stored content and 200 for a duplicate.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, ErrMissingFile)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			handlers.RespondError(w, h.logger, http.StatusBadRequest, ErrMissingFile)
			return
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				handlers.RespondError(w, h.logger, http.StatusRequestEntityTooLarge, ErrTooLarge)
				return
			}
			handlers.RespondError(w, h.logger, http.StatusBadRequest, err)
			return
		}

		if part.FormName() != "file" {
			part.Close()
			continue
		}

		filename := part.FileName()
		if !h.cfg.Supported(filepath.Ext(filename)) {
			handlers.RespondError(w, h.logger, http.StatusBadRequest, ErrUnsupportedFormat)
			return
		}

		result, err := h.svc.Ingest(r.Context(), part, filename)
		part.Close()
		if err != nil {
			h.respondReadError(w, err)
			return
		}

		status := http.StatusCreated
		if result.IsDuplicate {
			status = http.StatusOK
		}
		handlers.RespondJSON(w, status, result)
		return
	}
}

// Resubmit retries task creation for the image with the given content hash.
func (h *Handler) Resubmit(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.PathValue("hash"))
	if !content.ValidHash(hash) {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, images.ErrInvalidHash)
		return
	}

	img, err := h.images.FindByHash(r.Context(), hash)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	updated, err := h.svc.Resubmit(r.Context(), img.ID)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, updated)
}

func (h *Handler) respondReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		handlers.RespondError(w, h.logger, http.StatusRequestEntityTooLarge, ErrTooLarge)
		return
	}
	handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
}
