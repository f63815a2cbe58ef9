package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConflictType classifies a claim that blocks a sale.
type ConflictType string

const (
	ConflictActiveRental   ConflictType = "ACTIVE_RENTAL"
	ConflictFutureBooking  ConflictType = "FUTURE_BOOKING"
	ConflictPendingBooking ConflictType = "PENDING_BOOKING"
	ConflictMaintenance    ConflictType = "MAINTENANCE_SCHEDULED"
	ConflictCrossLocation  ConflictType = "CROSS_LOCATION"
)

// AllConflictTypes lists conflict types in reporting order.
var AllConflictTypes = []ConflictType{
	ConflictActiveRental, ConflictFutureBooking, ConflictPendingBooking,
	ConflictMaintenance, ConflictCrossLocation,
}

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictActiveRental, ConflictFutureBooking, ConflictPendingBooking,
		ConflictMaintenance, ConflictCrossLocation:
		return true
	}
	return false
}

// Severity ranks how disruptive a conflict is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AllSeverities lists severities from most to least severe.
var AllSeverities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Rank orders severities; higher is more severe, zero is unknown.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityFor derives the severity of a conflict from its type and, for
// future bookings, the whole days until the booking starts.
func SeverityFor(t ConflictType, daysUntilStart int) Severity {
	switch t {
	case ConflictActiveRental:
		return SeverityCritical
	case ConflictFutureBooking:
		switch {
		case daysUntilStart <= 3:
			return SeverityHigh
		case daysUntilStart <= 14:
			return SeverityMedium
		default:
			return SeverityLow
		}
	case ConflictPendingBooking:
		return SeverityLow
	case ConflictMaintenance, ConflictCrossLocation:
		return SeverityMedium
	}
	return SeverityLow
}

// Conflict is one claim that blocks the sale of an item.
type Conflict struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id,omitempty"`
	Type             ConflictType     `json:"type"`
	EntityType       ClaimKind        `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	Severity         Severity         `json:"severity"`
	Description      string           `json:"description"`
	CustomerID       string           `json:"customer_id,omitempty"`
	FinancialImpact  decimal.Decimal  `json:"financial_impact"`
	StartsAt         time.Time        `json:"starts_at"`
	EndsAt           time.Time        `json:"ends_at"`
	DetectedAt       time.Time        `json:"detected_at,omitzero"`
	Resolved         bool             `json:"resolved"`
	ResolutionAction ResolutionAction `json:"resolution_action,omitempty"`
	ResolutionNotes  string           `json:"resolution_notes,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
}

// ConflictSummary is the output of conflict detection for one item and date.
type ConflictSummary struct {
	ItemID               string               `json:"item_id"`
	EffectiveDate        time.Time            `json:"effective_date"`
	Total                int                  `json:"total"`
	ByType               map[ConflictType]int `json:"by_type"`
	BySeverity           map[Severity]int     `json:"by_severity"`
	TotalFinancialImpact decimal.Decimal      `json:"total_financial_impact"`
	AffectedCustomers    int                  `json:"affected_customers"`
	Critical             []Conflict           `json:"critical"`
	Conflicts            []Conflict           `json:"conflicts"`
}

// Counts condenses the summary into the counters stored on a request.
func (s ConflictSummary) Counts() ConflictCounts {
	return ConflictCounts{
		Total:             s.Total,
		Critical:          s.BySeverity[SeverityCritical],
		High:              s.BySeverity[SeverityHigh],
		Medium:            s.BySeverity[SeverityMedium],
		Low:               s.BySeverity[SeverityLow],
		AffectedCustomers: s.AffectedCustomers,
	}
}
