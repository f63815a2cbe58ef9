package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ItemStatus is the lifecycle status of a rentable item.
type ItemStatus string

const (
	ItemAvailable   ItemStatus = "AVAILABLE"
	ItemRented      ItemStatus = "RENTED"
	ItemMaintenance ItemStatus = "MAINTENANCE"
	ItemSold        ItemStatus = "SOLD"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case ItemAvailable, ItemRented, ItemMaintenance, ItemSold:
		return true
	}
	return false
}

// Item is a rentable, bookable unit.
type Item struct {
	ID         string     `json:"id"`
	LocationID string     `json:"location_id"`
	Status     ItemStatus `json:"status"`
	Version    int64      `json:"version"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ClaimKind distinguishes the ledger entries that reserve an item.
type ClaimKind string

const (
	ClaimRental       ClaimKind = "RENTAL"
	ClaimBooking      ClaimKind = "BOOKING"
	ClaimMaintenance  ClaimKind = "MAINTENANCE"
	ClaimLocationHold ClaimKind = "LOCATION_HOLD"
)

func (k ClaimKind) Valid() bool {
	switch k {
	case ClaimRental, ClaimBooking, ClaimMaintenance, ClaimLocationHold:
		return true
	}
	return false
}

// ClaimStatus is the status of a ledger claim.
//
// PENDING is an unconfirmed booking. CONFIRMED covers confirmed bookings,
// scheduled maintenance and active holds. ACTIVE is a rental in progress.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "PENDING"
	ClaimConfirmed ClaimStatus = "CONFIRMED"
	ClaimActive    ClaimStatus = "ACTIVE"
	ClaimCompleted ClaimStatus = "COMPLETED"
	ClaimCancelled ClaimStatus = "CANCELLED"
)

func (s ClaimStatus) Valid() bool {
	switch s {
	case ClaimPending, ClaimConfirmed, ClaimActive, ClaimCompleted, ClaimCancelled:
		return true
	}
	return false
}

// Open reports whether the claim still reserves its item.
func (s ClaimStatus) Open() bool {
	switch s {
	case ClaimPending, ClaimConfirmed, ClaimActive:
		return true
	case ClaimCompleted, ClaimCancelled:
		return false
	}
	return false
}

// Claim is a rental, booking, maintenance window or location hold on an item.
type Claim struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	Kind       ClaimKind       `json:"kind"`
	Status     ClaimStatus     `json:"status"`
	CustomerID string          `json:"customer_id,omitempty"`
	LocationID string          `json:"location_id,omitempty"`
	StartAt    time.Time       `json:"start_at"`
	EndAt      time.Time       `json:"end_at"`
	Amount     decimal.Decimal `json:"amount"`
	Version    int64           `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Overlaps reports whether the claim's window intersects [from, to).
func (c Claim) Overlaps(from, to time.Time) bool {
	return c.StartAt.Before(to) && c.EndAt.After(from)
}
