package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rentalhub-sale-api/internal/service"
	"rentalhub-sale-api/pkg/response"
)

// NotificationHandler handles customer responses and channel callbacks.
type NotificationHandler struct {
	orchestrator *service.TransitionOrchestrator
	dispatcher   *service.NotificationDispatcher
	actors       ActorResolver
}

// NewNotificationHandler creates a new notification handler.
func NewNotificationHandler(
	orchestrator *service.TransitionOrchestrator,
	dispatcher *service.NotificationDispatcher,
	actors ActorResolver,
) *NotificationHandler {
	return &NotificationHandler{
		orchestrator: orchestrator,
		dispatcher:   dispatcher,
		actors:       actors,
	}
}

type responseRequest struct {
	Response string `json:"response" validate:"required,max=2000"`
}

// Respond handles POST /api/v1/notifications/{id}/response
func (h *NotificationHandler) Respond(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actors.Resolve(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var body responseRequest
	if err := decodeBody(r, &body, false); err != nil {
		response.Error(w, err)
		return
	}
	n, err := h.orchestrator.RespondToNotification(r.Context(), chi.URLParam(r, "id"), body.Response, actor)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, n)
}

// Delivered handles POST /api/v1/notifications/{id}/delivered
func (h *NotificationHandler) Delivered(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, n)
}

// Read handles POST /api/v1/notifications/{id}/read
func (h *NotificationHandler) Read(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, n)
}
