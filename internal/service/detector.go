package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
)

// DefaultBookingHorizon bounds how far past the effective date confirmed
// bookings are still reported.
const DefaultBookingHorizon = 365 * 24 * time.Hour

// ConflictDetector scans the ledger for claims that block a sale. It never
// writes, and conflicts it returns carry no id or detection time until a
// transition stores them.
type ConflictDetector struct {
	ledger  repository.LedgerRepository
	clock   clock.Clock
	horizon time.Duration
}

// DetectorOption configures a ConflictDetector.
type DetectorOption func(*ConflictDetector)

// WithBookingHorizon sets how far after the effective date bookings count.
func WithBookingHorizon(d time.Duration) DetectorOption {
	return func(c *ConflictDetector) {
		if d > 0 {
			c.horizon = d
		}
	}
}

func NewConflictDetector(ledger repository.LedgerRepository, clk clock.Clock, opts ...DetectorOption) *ConflictDetector {
	if clk == nil {
		clk = clock.NewSystem()
	}
	d := &ConflictDetector{
		ledger:  ledger,
		clock:   clk,
		horizon: DefaultBookingHorizon,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectInput selects the item and date to check.
type DetectInput struct {
	ItemID string
	// EffectiveDate defaults to now.
	EffectiveDate *time.Time
	// LocationID is where the sale happens; defaults to the item's location.
	LocationID string
}

// Detect returns every claim on the item that blocks a sale at the effective
// date, classified and ranked.
func (d *ConflictDetector) Detect(ctx context.Context, in DetectInput) (model.ConflictSummary, error) {
	if in.ItemID == "" {
		return model.ConflictSummary{}, model.ValidationErrorf("item id is required")
	}

	item, err := d.ledger.GetItem(ctx, in.ItemID)
	if err != nil {
		return model.ConflictSummary{}, err
	}
	claims, err := d.ledger.ListOpenClaims(ctx, in.ItemID)
	if err != nil {
		return model.ConflictSummary{}, fmt.Errorf("list claims: %w", err)
	}

	now := d.clock.Now()
	effective := now
	if in.EffectiveDate != nil {
		effective = in.EffectiveDate.UTC()
	}
	location := in.LocationID
	if location == "" {
		location = item.LocationID
	}

	var conflicts []model.Conflict
	for _, c := range claims {
		typ, ok := d.classify(c, now, effective, location)
		if !ok {
			continue
		}
		conflicts = append(conflicts, model.Conflict{
			Type:            typ,
			EntityType:      c.Kind,
			EntityID:        c.ID,
			Severity:        model.SeverityFor(typ, daysUntil(now, c.StartAt)),
			Description:     describe(typ, c),
			CustomerID:      c.CustomerID,
			FinancialImpact: c.Amount,
			StartsAt:        c.StartAt,
			EndsAt:          c.EndAt,
		})
	}
	sortConflicts(conflicts)

	return summarize(in.ItemID, effective, conflicts), nil
}

// classify maps an open claim to the conflict type it causes, if any.
func (d *ConflictDetector) classify(c model.Claim, now, effective time.Time, location string) (model.ConflictType, bool) {
	switch c.Kind {
	case model.ClaimRental:
		if c.Status == model.ClaimActive && !c.StartAt.After(effective) {
			return model.ConflictActiveRental, true
		}
	case model.ClaimBooking:
		if !c.EndAt.After(now) {
			return "", false
		}
		switch c.Status {
		case model.ClaimConfirmed:
			if c.StartAt.Before(effective.Add(d.horizon)) {
				return model.ConflictFutureBooking, true
			}
		case model.ClaimPending:
			return model.ConflictPendingBooking, true
		}
	case model.ClaimMaintenance:
		if c.Status == model.ClaimConfirmed && !c.StartAt.After(effective) && c.EndAt.After(effective) {
			return model.ConflictMaintenance, true
		}
	case model.ClaimLocationHold:
		if c.Status == model.ClaimConfirmed && c.LocationID != "" && c.LocationID != location {
			return model.ConflictCrossLocation, true
		}
	}
	return "", false
}

// daysUntil counts whole days from now to start; past starts count as zero.
func daysUntil(now, start time.Time) int {
	if !start.After(now) {
		return 0
	}
	return int(start.Sub(now) / (24 * time.Hour))
}

func describe(t model.ConflictType, c model.Claim) string {
	switch t {
	case model.ConflictActiveRental:
		return fmt.Sprintf("rental %s in progress until %s", c.ID, c.EndAt.Format(time.DateOnly))
	case model.ConflictFutureBooking:
		return fmt.Sprintf("confirmed booking %s from %s to %s", c.ID, c.StartAt.Format(time.DateOnly), c.EndAt.Format(time.DateOnly))
	case model.ConflictPendingBooking:
		return fmt.Sprintf("unconfirmed booking %s from %s", c.ID, c.StartAt.Format(time.DateOnly))
	case model.ConflictMaintenance:
		return fmt.Sprintf("maintenance %s until %s", c.ID, c.EndAt.Format(time.DateOnly))
	case model.ConflictCrossLocation:
		return fmt.Sprintf("hold %s placed by location %s", c.ID, c.LocationID)
	}
	return c.ID
}

// sortConflicts orders by severity, then start, then claim id, so repeated
// detection over the same ledger yields the same order.
func sortConflicts(conflicts []model.Conflict) {
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return a.EntityID < b.EntityID
	})
}

func summarize(itemID string, effective time.Time, conflicts []model.Conflict) model.ConflictSummary {
	s := model.ConflictSummary{
		ItemID:               itemID,
		EffectiveDate:        effective,
		Total:                len(conflicts),
		ByType:               make(map[model.ConflictType]int),
		BySeverity:           make(map[model.Severity]int),
		TotalFinancialImpact: decimal.Zero,
		Critical:             []model.Conflict{},
		Conflicts:            conflicts,
	}
	if s.Conflicts == nil {
		s.Conflicts = []model.Conflict{}
	}

	customers := make(map[string]struct{})
	for _, c := range conflicts {
		s.ByType[c.Type]++
		s.BySeverity[c.Severity]++
		s.TotalFinancialImpact = s.TotalFinancialImpact.Add(c.FinancialImpact)
		if c.CustomerID != "" {
			customers[c.CustomerID] = struct{}{}
		}
		if c.Severity == model.SeverityCritical {
			s.Critical = append(s.Critical, c)
		}
	}
	s.AffectedCustomers = len(customers)
	return s
}
