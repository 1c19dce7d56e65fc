package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JaimeStill/aperture/pkg/handlers"
	"github.com/JaimeStill/aperture/pkg/routes"
)

// maxWebhookSize caps the webhook body; exports are fetched separately.
const maxWebhookSize = 4 << 20

// Handler provides HTTP endpoints for manual and webhook-driven reconciliation.
type Handler struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler creates a Handler over the reconciliation service.
func NewHandler(svc Service, logger *slog.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger.With("handler", "reconcile"),
	}
}

// Routes returns the route group definition for reconciliation endpoints.
func (h *Handler) Routes() routes.Group {
	return routes.Group{
		Routes: []routes.Route{
			{Method: "POST", Pattern: "/reconcile", Handler: h.Reconcile},
			{Method: "POST", Pattern: "/webhooks/annotation", Handler: h.Webhook},
		},
	}
}

// Reconcile runs one poll cycle and responds with its report.
// Responds 409 when a cycle is already running.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.PollCycle(context.WithoutCancel(r.Context()))
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}
	handlers.RespondJSON(w, http.StatusOK, report)
}

type webhookPayload struct {
	Action string `json:"action"`
	Task   struct {
		ID json.Number `json:"id"`
	} `json:"task"`
}

// WebhookResponse is the body returned for an accepted webhook.
type WebhookResponse struct {
	Action  string  `json:"action"`
	TaskID  string  `json:"task_id,omitempty"`
	Outcome Outcome `json:"outcome,omitempty"`
	Ignored bool    `json:"ignored,omitempty"`
}

// Webhook reconciles the task named by an annotation event. Other event
// actions are acknowledged and ignored.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookSize))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, fmt.Errorf("%w: %w", ErrInvalidPayload, err))
		return
	}

	switch payload.Action {
	case "ANNOTATION_CREATED", "ANNOTATION_UPDATED":
	default:
		handlers.RespondJSON(w, http.StatusOK, WebhookResponse{Action: payload.Action, Ignored: true})
		return
	}

	taskID := strings.TrimSpace(payload.Task.ID.String())
	if taskID == "" {
		handlers.RespondError(w, h.logger, http.StatusBadRequest, fmt.Errorf("%w: task id required", ErrInvalidPayload))
		return
	}

	outcome, err := h.svc.ReconcileOne(context.WithoutCancel(r.Context()), taskID)
	if err != nil {
		handlers.RespondError(w, h.logger, MapHTTPStatus(err), err)
		return
	}

	handlers.RespondJSON(w, http.StatusOK, WebhookResponse{
		Action:  payload.Action,
		TaskID:  taskID,
		Outcome: outcome,
	})
}
