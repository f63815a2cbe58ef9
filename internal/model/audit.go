package model

import "time"

// Audit actions written by the engine.
const (
	AuditTransitionCreated   = "transition.created"
	AuditTransitionStatus    = "transition.status_changed"
	AuditApprovalRequested   = "transition.approval_requested"
	AuditApproved            = "transition.approved"
	AuditRejected            = "transition.rejected"
	AuditCancelled           = "transition.cancelled"
	AuditCheckpointCreated   = "checkpoint.created"
	AuditResolutionExecuted  = "resolution.executed"
	AuditResolutionFailed    = "resolution.failed"
	AuditForceSale           = "resolution.force_sale"
	AuditNotificationSent    = "notification.sent"
	AuditNotificationUpdated = "notification.updated"
	AuditNotificationExpired = "notification.expired"
	AuditReturnRecorded      = "claim.returned"
	AuditCompleted           = "transition.completed"
	AuditRolledBack          = "transition.rolled_back"
	AuditRestored            = "transition.restored"
	AuditFailed              = "transition.failed"
)

// AuditEntry is an immutable record of one action.
type AuditEntry struct {
	ID         string           `json:"id" bson:"_id"`
	RequestID  string           `json:"request_id,omitempty" bson:"request_id,omitempty"`
	Action     string           `json:"action" bson:"action"`
	ActorID    string           `json:"actor_id" bson:"actor_id"`
	ActorRole  string           `json:"actor_role" bson:"actor_role"`
	FromStatus TransitionStatus `json:"from_status,omitempty" bson:"from_status,omitempty"`
	ToStatus   TransitionStatus `json:"to_status,omitempty" bson:"to_status,omitempty"`
	Detail     map[string]any   `json:"detail,omitempty" bson:"detail,omitempty"`
	CreatedAt  time.Time        `json:"created_at" bson:"created_at"`
}
