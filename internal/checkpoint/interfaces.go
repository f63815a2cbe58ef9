package checkpoint

import (
	"context"
	"time"

	"rentalhub-sale-api/internal/model"
)

// DefaultTTL is how long a checkpoint stays restorable.
const DefaultTTL = 24 * time.Hour

// retention keeps spent checkpoints readable for status reporting.
const retention = 24 * time.Hour

// Store persists ledger snapshots taken before a transition mutates anything.
// The memory store serves development and tests, the Redis store serves
// multi-instance deployments.
type Store interface {
	// Create stores a snapshot for a request and returns its checkpoint.
	Create(ctx context.Context, requestID string, snap model.Snapshot) (*model.Checkpoint, error)

	// Restore atomically claims a checkpoint and returns its snapshot. It
	// fails with model.ErrNotFound when the checkpoint is missing, already
	// used, released or expired. Only one caller can ever succeed.
	Restore(ctx context.Context, id string) (model.Snapshot, error)

	// Release retires a checkpoint after a successful commit so it can no
	// longer be restored.
	Release(ctx context.Context, id string) error

	// Get returns the checkpoint metadata and snapshot.
	Get(ctx context.Context, id string) (*model.Checkpoint, error)
}
