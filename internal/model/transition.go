package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransitionStatus is a state of the sale transition state machine.
type TransitionStatus string

const (
	StatusPending          TransitionStatus = "PENDING"
	StatusProcessing       TransitionStatus = "PROCESSING"
	StatusAwaitingApproval TransitionStatus = "AWAITING_APPROVAL"
	StatusApproved         TransitionStatus = "APPROVED"
	StatusRejected         TransitionStatus = "REJECTED"
	StatusCompleted        TransitionStatus = "COMPLETED"
	StatusFailed           TransitionStatus = "FAILED"
	StatusRolledBack       TransitionStatus = "ROLLED_BACK"
	StatusCancelled        TransitionStatus = "CANCELLED"
)

// AllTransitionStatuses lists every status in lifecycle order.
var AllTransitionStatuses = []TransitionStatus{
	StatusPending, StatusProcessing, StatusAwaitingApproval, StatusApproved,
	StatusRejected, StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled,
}

func (s TransitionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAwaitingApproval, StatusApproved,
		StatusRejected, StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s TransitionStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	case StatusPending, StatusProcessing, StatusAwaitingApproval, StatusApproved:
		return false
	}
	return false
}

// CanTransitionTo reports whether the state machine has an edge from s to next.
func (s TransitionStatus) CanTransitionTo(next TransitionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusRolledBack {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusAwaitingApproval || next == StatusCompleted ||
			next == StatusFailed || next == StatusProcessing
	case StatusAwaitingApproval:
		return next == StatusApproved || next == StatusRejected || next == StatusCancelled
	case StatusApproved:
		return next == StatusCompleted || next == StatusFailed || next == StatusProcessing
	}
	return false
}

// ConflictCounts is the progress summary stored on a transition request.
type ConflictCounts struct {
	Total             int `json:"total"`
	Critical          int `json:"critical"`
	High              int `json:"high"`
	Medium            int `json:"medium"`
	Low               int `json:"low"`
	Resolved          int `json:"resolved"`
	AffectedCustomers int `json:"affected_customers"`
}

// TransitionRequest is one attempt to convert an item into a sold item.
type TransitionRequest struct {
	ID               string           `json:"id"`
	ItemID           string           `json:"item_id"`
	LocationID       string           `json:"location_id"`
	RequestedBy      string           `json:"requested_by"`
	Status           TransitionStatus `json:"status"`
	SalePrice        decimal.Decimal  `json:"sale_price"`
	EffectiveDate    *time.Time       `json:"effective_date,omitempty"`
	Strategy         ResolutionAction `json:"strategy"`
	Conflicts        ConflictCounts   `json:"conflicts"`
	RevenueImpact    decimal.Decimal  `json:"revenue_impact"`
	ApprovalRequired bool             `json:"approval_required"`
	ApprovalReasons  []string         `json:"approval_reasons,omitempty"`
	ApprovedBy       string           `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time       `json:"approved_at,omitempty"`
	ApprovalNotes    string           `json:"approval_notes,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	StatusReason     string           `json:"status_reason,omitempty"`
	CheckpointID     string           `json:"checkpoint_id,omitempty"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int64            `json:"version"`
}

// EffectiveAt returns the effective date, or now when none was proposed.
func (r *TransitionRequest) EffectiveAt(now time.Time) time.Time {
	if r.EffectiveDate != nil {
		return *r.EffectiveDate
	}
	return now
}

// Approved reports whether the approval gate has been passed.
func (r *TransitionRequest) Approved() bool {
	return !r.ApprovalRequired || r.ApprovedAt != nil
}
