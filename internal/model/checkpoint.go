package model

import "time"

// Snapshot is the ledger state captured before a transition mutates anything.
type Snapshot struct {
	Item   Item    `json:"item"`
	Claims []Claim `json:"claims"`
}

// Checkpoint is a restorable snapshot with an expiry. It can be restored at
// most once.
type Checkpoint struct {
	ID        string     `json:"id"`
	RequestID string     `json:"request_id"`
	Snapshot  Snapshot   `json:"snapshot"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	Released  bool       `json:"released"`
}

// Restorable reports whether the checkpoint can still be restored at now.
func (c *Checkpoint) Restorable(now time.Time) bool {
	return !c.Used && !c.Released && now.Before(c.ExpiresAt)
}
