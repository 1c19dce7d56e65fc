package images

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/pkg/handlers"
	"github.com/JaimeStill/aperture/pkg/pagination"
	"github.com/JaimeStill/aperture/pkg/routes"
)

// Handler provides read-only HTTP endpoints over image records.
type Handler struct {
	sys        System
	logger     *slog.Logger
	pagination pagination.Config
}

// NewHandler creates a Handler with the given system, logger, and pagination config.
func NewHandler(sys System, logger *slog.Logger, pagination pagination.Config) *Handler {
	return &Handler{
		sys:        sys,
		logger:     logger.With("handler", "images"),
		pagination: pagination,
	}
}

// Routes returns the route group definition for image record endpoints.
func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Routes: []routes.Route{
			{Method: "GET", Pattern: "/images", Handler: h.List},
			{Method: "GET", Pattern: "/images/{hash}", Handler: h.Find},
			{Method: "GET", Pattern: "/stats", Handler: h.Stats},
		},
	}
}

// List returns a paginated list of image records with optional query parameter filters.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := pagination.PageRequestFromQuery(r.URL.Query(), h.pagination)

	filters, err := FiltersFromQuery(r.URL.Query())
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	result, err := h.sys.List(r.Context(), page, filters)
	if err != nil {
		handlers.RespondError(w, h.logger, http.StatusInternalServerError, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, result)
}

// Find returns a single image record by its content hash path parameter.
func (h *Handler) Find(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(r.PathValue("hash"))
	if !content.ValidHash(hash) {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, ErrInvalidHash)
		return
	}

	img, err := h.sys.FindByHash(r.Context(), hash)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, img)
}

// Stats returns record counts per status.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sys.Stats(r.Context())
	if err != nil {
		handlers.RespondError(w, h.logger, http.StatusInternalServerError, err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, stats)
}
