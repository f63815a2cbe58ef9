package repository

import (
	"context"
	"time"

	"rentalhub-sale-api/internal/model"
)

// TransitionRepository persists transition requests and their append-only
// sub-ledgers: conflicts, resolutions and notifications.
type TransitionRepository interface {
	// WithTx runs fn inside one storage transaction. Calls made with the
	// context passed to fn join that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// CreateTransition inserts a new request. It fails with model.ErrConflict
	// when the item already has a non-terminal request.
	CreateTransition(ctx context.Context, req *model.TransitionRequest) error

	// FindActiveTransition returns the non-terminal request for an item, or nil.
	FindActiveTransition(ctx context.Context, itemID string) (*model.TransitionRequest, error)

	// GetTransition returns a request by id or model.ErrNotFound.
	GetTransition(ctx context.Context, id string) (*model.TransitionRequest, error)

	// UpdateTransition writes req if its stored version equals req.Version and
	// bumps the version. It fails with model.ErrVersionConflict otherwise.
	UpdateTransition(ctx context.Context, req *model.TransitionRequest) error

	// CountTransitionsByStatus returns the number of requests per status.
	CountTransitionsByStatus(ctx context.Context) (map[model.TransitionStatus]int, error)

	// InsertConflicts stores the conflicts detected for a request.
	InsertConflicts(ctx context.Context, conflicts []model.Conflict) error

	// ListConflicts returns a request's conflicts in detection order.
	ListConflicts(ctx context.Context, requestID string) ([]model.Conflict, error)

	// ListConflictsByEntity returns conflicts referencing a ledger claim.
	ListConflictsByEntity(ctx context.Context, entityID string) ([]model.Conflict, error)

	// UpdateConflict stores the resolution fields of a conflict.
	UpdateConflict(ctx context.Context, c *model.Conflict) error

	// AppendResolution stores a resolution attempt, assigning the next
	// sequence number for its conflict.
	AppendResolution(ctx context.Context, r *model.Resolution) error

	// ListResolutions returns a request's resolutions ordered by conflict and sequence.
	ListResolutions(ctx context.Context, requestID string) ([]model.Resolution, error)

	// InsertNotification stores a new notification.
	InsertNotification(ctx context.Context, n *model.Notification) error

	// UpdateNotification stores the delivery and response fields.
	UpdateNotification(ctx context.Context, n *model.Notification) error

	// GetNotification returns a notification by id or model.ErrNotFound.
	GetNotification(ctx context.Context, id string) (*model.Notification, error)

	// ListNotifications returns a request's notifications in creation order.
	ListNotifications(ctx context.Context, requestID string) ([]model.Notification, error)

	// ListOverdueNotifications returns unanswered notifications whose
	// response deadline is at or before now.
	ListOverdueNotifications(ctx context.Context, now time.Time) ([]model.Notification, error)
}

// LedgerRepository is the resource ledger: items and the claims on them.
type LedgerRepository interface {
	// CreateItem inserts an item.
	CreateItem(ctx context.Context, item *model.Item) error

	// GetItem returns an item or model.ErrNotFound.
	GetItem(ctx context.Context, id string) (*model.Item, error)

	// UpdateItem writes item if the stored version equals item.Version.
	UpdateItem(ctx context.Context, item *model.Item) error

	// CreateClaim inserts a claim.
	CreateClaim(ctx context.Context, claim *model.Claim) error

	// GetClaim returns a claim or model.ErrNotFound.
	GetClaim(ctx context.Context, id string) (*model.Claim, error)

	// ListOpenClaims returns the claims of an item that still reserve it.
	ListOpenClaims(ctx context.Context, itemID string) ([]model.Claim, error)

	// UpdateClaim writes claim if the stored version equals claim.Version.
	UpdateClaim(ctx context.Context, claim *model.Claim) error

	// RestoreSnapshot writes the captured item and claims back unconditionally.
	RestoreSnapshot(ctx context.Context, snap model.Snapshot) error
}

// AuditRepository stores audit entries. Entries are never updated or deleted.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
	ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error)
}

// Store is everything the transition engine persists in one backend.
type Store interface {
	TransitionRepository
	LedgerRepository
	AuditRepository

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}
