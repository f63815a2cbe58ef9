package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ResolutionAction is the compensating action applied to one conflict.
type ResolutionAction string

const (
	ActionCancelBooking         ResolutionAction = "CANCEL_BOOKING"
	ActionWaitForReturn         ResolutionAction = "WAIT_FOR_RETURN"
	ActionTransferToAlternative ResolutionAction = "TRANSFER_TO_ALTERNATIVE"
	ActionOfferCompensation     ResolutionAction = "OFFER_COMPENSATION"
	ActionPostponeSale          ResolutionAction = "POSTPONE_SALE"
	ActionForceSale             ResolutionAction = "FORCE_SALE"
)

func (a ResolutionAction) Valid() bool {
	switch a {
	case ActionCancelBooking, ActionWaitForReturn, ActionTransferToAlternative,
		ActionOfferCompensation, ActionPostponeSale, ActionForceSale:
		return true
	}
	return false
}

// FreesClaim reports whether a successful action releases the conflicting
// claim on the item.
func (a ResolutionAction) FreesClaim() bool {
	switch a {
	case ActionCancelBooking, ActionTransferToAlternative, ActionForceSale:
		return true
	case ActionWaitForReturn, ActionOfferCompensation, ActionPostponeSale:
		return false
	}
	return false
}

// RequiresResponse reports whether the counterparty is asked to respond.
func (a ResolutionAction) RequiresResponse() bool {
	switch a {
	case ActionTransferToAlternative, ActionOfferCompensation:
		return true
	case ActionCancelBooking, ActionWaitForReturn, ActionPostponeSale, ActionForceSale:
		return false
	}
	return false
}

// ExecutionStatus is the outcome of one resolution attempt.
type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "PENDING"
	ExecutionSuccess ExecutionStatus = "SUCCESS"
	ExecutionFailed  ExecutionStatus = "FAILED"
)

// Resolution records one attempt at resolving a conflict. Resolutions are
// append-only; Seq increases per conflict.
type Resolution struct {
	ID                 string              `json:"id"`
	ConflictID         string              `json:"conflict_id"`
	RequestID          string              `json:"request_id"`
	Seq                int                 `json:"seq"`
	Action             ResolutionAction    `json:"action"`
	ExecutedBy         string              `json:"executed_by"`
	Status             ExecutionStatus     `json:"status"`
	CustomerNotified   bool                `json:"customer_notified"`
	CustomerResponse   string              `json:"customer_response,omitempty"`
	CompensationAmount decimal.NullDecimal `json:"compensation_amount"`
	AlternativeItemID  string              `json:"alternative_item_id,omitempty"`
	Notes              string              `json:"notes,omitempty"`
	Error              string              `json:"error,omitempty"`
	ExecutedAt         time.Time           `json:"executed_at"`
}
