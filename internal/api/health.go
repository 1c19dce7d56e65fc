package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/pkg/handlers"
	"github.com/JaimeStill/aperture/pkg/routes"
)

const healthCheckTimeout = 5 * time.Second

// HealthStatus reports the reachability of each dependency. The service is
// degraded when the database or storage check fails; annotation outages
// only delay reconciliation.
type HealthStatus struct {
	Status string       `json:"status"`
	Checks HealthChecks `json:"checks"`
}

// HealthChecks holds the individual dependency results.
type HealthChecks struct {
	Database   bool `json:"database"`
	Storage    bool `json:"storage"`
	Annotation bool `json:"annotation"`
}

type healthHandler struct {
	runtime *Runtime
	logger  *slog.Logger
}

func newHealthHandler(runtime *Runtime) *healthHandler {
	return &healthHandler{
		runtime: runtime,
		logger:  runtime.Logger.With("handler", "health"),
	}
}

func (h *healthHandler) routes() routes.Group {
	return routes.Group{
		Routes: []routes.Route{
			{Method: "GET", Pattern: "/health", Handler: h.health},
		},
	}
}

func (h *healthHandler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := HealthChecks{
		Database:   h.check("database", h.runtime.Database.Ping(ctx)),
		Storage:    h.check("storage", h.storage(ctx)),
		Annotation: h.check("annotation", h.runtime.Annotation.Health(ctx)),
	}

	status := "healthy"
	if !checks.Database || !checks.Storage {
		status = "degraded"
	}

	handlers.RespondJSON(w, http.StatusOK, HealthStatus{Status: status, Checks: checks})
}

func (h *healthHandler) storage(ctx context.Context) error {
	root := h.runtime.Content.Root()
	for _, area := range []content.Area{content.Unlabeled, content.Labeled} {
		dir := h.runtime.Content.Abs(string(area))
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("stat %s under %s: %w", area, root, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
	}

	if h.runtime.Archive != nil {
		if err := h.runtime.Archive.Health(ctx); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	}
	return nil
}

func (h *healthHandler) check(name string, err error) bool {
	if err != nil {
		h.logger.Warn("health check failed", "check", name, "error", err)
		return false
	}
	return true
}
