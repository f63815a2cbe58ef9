package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/service"
	"rentalhub-sale-api/pkg/apierror"
	"rentalhub-sale-api/pkg/response"
)

// TransitionHandler handles sale transition HTTP requests.
type TransitionHandler struct {
	orchestrator    *service.TransitionOrchestrator
	actors          ActorResolver
	maxResponseWait time.Duration
}

// TransitionHandlerOption configures a TransitionHandler.
type TransitionHandlerOption func(*TransitionHandler)

// WithMaxResponseWait rejects confirm requests asking to wait longer than d
// for a customer. Set it to the server write timeout so the response is not
// cut off while the confirm is still running.
func WithMaxResponseWait(d time.Duration) TransitionHandlerOption {
	return func(h *TransitionHandler) {
		if d > 0 {
			h.maxResponseWait = d
		}
	}
}

// NewTransitionHandler creates a new transition handler.
func NewTransitionHandler(orchestrator *service.TransitionOrchestrator, actors ActorResolver, opts ...TransitionHandlerOption) *TransitionHandler {
	h := &TransitionHandler{
		orchestrator:    orchestrator,
		actors:          actors,
		maxResponseWait: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type eligibilityRequest struct {
	LocationID    string `json:"location_id"`
	SalePrice     string `json:"sale_price" validate:"required,positive_amount"`
	EffectiveDate string `json:"effective_date" validate:"omitempty,datetime=2006-01-02"`
}

// CheckEligibility handles POST /api/v1/items/{item_id}/eligibility
func (h *TransitionHandler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	var body eligibilityRequest
	if err := decodeBody(r, &body, false); err != nil {
		response.Error(w, err)
		return
	}
	price, err := parseAmount("sale_price", body.SalePrice)
	if err != nil {
		response.Error(w, err)
		return
	}
	effective, err := parseDate("effective_date", body.EffectiveDate)
	if err != nil {
		response.Error(w, err)
		return
	}

	report, err := h.orchestrator.CheckEligibility(r.Context(), service.EligibilityInput{
		ItemID:        chi.URLParam(r, "item_id"),
		LocationID:    body.LocationID,
		SalePrice:     price,
		EffectiveDate: effective,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, report)
}

type initiateRequest struct {
	ItemID        string `json:"item_id" validate:"required"`
	LocationID    string `json:"location_id"`
	SalePrice     string `json:"sale_price" validate:"required,positive_amount"`
	EffectiveDate string `json:"effective_date" validate:"omitempty,datetime=2006-01-02"`
	Strategy      string `json:"strategy" validate:"required,oneof=CANCEL_BOOKING WAIT_FOR_RETURN TRANSFER_TO_ALTERNATIVE OFFER_COMPENSATION POSTPONE_SALE FORCE_SALE"`
}

// Initiate handles POST /api/v1/transitions
func (h *TransitionHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actors.Resolve(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var body initiateRequest
	if err := decodeBody(r, &body, false); err != nil {
		response.Error(w, err)
		return
	}
	price, err := parseAmount("sale_price", body.SalePrice)
	if err != nil {
		response.Error(w, err)
		return
	}
	effective, err := parseDate("effective_date", body.EffectiveDate)
	if err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.orchestrator.Initiate(r.Context(), actor, service.InitiateInput{
		ItemID:        body.ItemID,
		LocationID:    body.LocationID,
		SalePrice:     price,
		EffectiveDate: effective,
		Strategy:      model.ResolutionAction(body.Strategy),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, result)
}

// Status handles GET /api/v1/transitions/{id}
func (h *TransitionHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.orchestrator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, report)
}

type decisionRequest struct {
	Notes  string `json:"notes" validate:"max=2000"`
	Reason string `json:"reason" validate:"max=2000"`
}

// Approve handles POST /api/v1/transitions/{id}/approve
func (h *TransitionHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.decision(w, r)
	if !ok {
		return
	}
	req, err := h.orchestrator.Approve(r.Context(), chi.URLParam(r, "id"), actor, body.Notes)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, req)
}

// Reject handles POST /api/v1/transitions/{id}/reject
func (h *TransitionHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.decision(w, r)
	if !ok {
		return
	}
	req, err := h.orchestrator.Reject(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, req)
}

// Cancel handles POST /api/v1/transitions/{id}/cancel
func (h *TransitionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, body, ok := h.decision(w, r)
	if !ok {
		return
	}
	req, err := h.orchestrator.Cancel(r.Context(), chi.URLParam(r, "id"), actor, body.Reason)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, req)
}

func (h *TransitionHandler) decision(w http.ResponseWriter, r *http.Request) (model.Actor, decisionRequest, bool) {
	var body decisionRequest
	actor, err := h.actors.Resolve(r)
	if err == nil {
		err = decodeBody(r, &body, true)
	}
	if err != nil {
		response.Error(w, err)
		return model.Actor{}, body, false
	}
	return actor, body, true
}

type overrideRequest struct {
	Action             string `json:"action" validate:"required,oneof=CANCEL_BOOKING WAIT_FOR_RETURN TRANSFER_TO_ALTERNATIVE OFFER_COMPENSATION POSTPONE_SALE FORCE_SALE"`
	AlternativeItemID  string `json:"alternative_item_id"`
	CompensationAmount string `json:"compensation_amount" validate:"omitempty,positive_amount"`
	Notes              string `json:"notes" validate:"max=2000"`
}

type confirmRequest struct {
	Overrides        map[string]overrideRequest `json:"overrides" validate:"dive"`
	ForceNonCritical bool                       `json:"force_non_critical"`
	Channel          string                     `json:"channel" validate:"omitempty,oneof=EMAIL SMS IN_APP"`
	// ResponseTimeoutSeconds bounds each customer response wait; 0 uses the server default.
	ResponseTimeoutSeconds int `json:"response_timeout_seconds" validate:"gte=0"`
}

// Confirm handles POST /api/v1/transitions/{id}/confirm
func (h *TransitionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actors.Resolve(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var body confirmRequest
	if err := decodeBody(r, &body, true); err != nil {
		response.Error(w, err)
		return
	}

	timeout := time.Duration(body.ResponseTimeoutSeconds) * time.Second
	if timeout > h.maxResponseWait {
		response.Error(w, apierror.ValidationError("request validation failed", apierror.FieldError{
			Field:   "response_timeout_seconds",
			Message: fmt.Sprintf("must be at most %d", int(h.maxResponseWait/time.Second)),
		}))
		return
	}

	in := service.ConfirmInput{
		ForceNonCritical: body.ForceNonCritical,
		Channel:          model.Channel(body.Channel),
		ResponseTimeout:  timeout,
	}
	if len(body.Overrides) > 0 {
		in.Overrides = make(map[string]service.Override, len(body.Overrides))
	}
	for conflictID, o := range body.Overrides {
		override := service.Override{
			Action:            model.ResolutionAction(o.Action),
			AlternativeItemID: o.AlternativeItemID,
			Notes:             o.Notes,
		}
		if o.CompensationAmount != "" {
			amount, err := parseAmount("compensation_amount", o.CompensationAmount)
			if err != nil {
				response.Error(w, err)
				return
			}
			override.CompensationAmount = decimal.NewNullDecimal(amount)
		}
		in.Overrides[conflictID] = override
	}

	result, err := h.orchestrator.Confirm(r.Context(), chi.URLParam(r, "id"), actor, in)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}

type rollbackRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
	// RestoreBookings defaults to true when omitted.
	RestoreBookings *bool `json:"restore_bookings"`
}

// Rollback handles POST /api/v1/transitions/{id}/rollback
func (h *TransitionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actors.Resolve(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	var body rollbackRequest
	if err := decodeBody(r, &body, true); err != nil {
		response.Error(w, err)
		return
	}
	restoreBookings := true
	if body.RestoreBookings != nil {
		restoreBookings = *body.RestoreBookings
	}

	result, err := h.orchestrator.Rollback(r.Context(), chi.URLParam(r, "id"), actor, service.RollbackInput{
		Reason:          body.Reason,
		RestoreBookings: restoreBookings,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}

// AuditTrail handles GET /api/v1/transitions/{id}/audit
func (h *TransitionHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.orchestrator.AuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	response.List(w, entries, len(entries))
}

// HandleReturn handles POST /api/v1/claims/{claim_id}/return
func (h *TransitionHandler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actors.Resolve(r)
	if err != nil {
		response.Error(w, err)
		return
	}
	claimID := chi.URLParam(r, "claim_id")
	if claimID == "" {
		response.Error(w, apierror.BadRequest("claim_id is required"))
		return
	}
	result, err := h.orchestrator.HandleReturn(r.Context(), claimID, actor)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, result)
}
