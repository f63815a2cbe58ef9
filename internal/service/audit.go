package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
	"rentalhub-sale-api/pkg/uid"
)

// AuditLogger appends immutable audit entries. Appending never fails for the
// caller: a storage error is logged and counted instead.
type AuditLogger struct {
	repo   repository.AuditRepository
	clock  clock.Clock
	logger *zap.Logger
}

func NewAuditLogger(repo repository.AuditRepository, clk clock.Clock, logger *zap.Logger) *AuditLogger {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditLogger{repo: repo, clock: clk, logger: logger.Named("audit")}
}

// AuditRecord describes one audited action.
type AuditRecord struct {
	RequestID string
	Action    string
	Actor     model.Actor
	From      model.TransitionStatus
	To        model.TransitionStatus
	Detail    map[string]any
}

// Append writes the record.
func (a *AuditLogger) Append(ctx context.Context, rec AuditRecord) {
	entry := &model.AuditEntry{
		ID:         uid.New(),
		RequestID:  rec.RequestID,
		Action:     rec.Action,
		ActorID:    rec.Actor.ID,
		ActorRole:  rec.Actor.Role,
		FromStatus: rec.From,
		ToStatus:   rec.To,
		Detail:     rec.Detail,
		CreatedAt:  a.clock.Now(),
	}

	// a cancelled caller must not lose the trail
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := a.repo.AppendAudit(writeCtx, entry); err != nil {
		auditFailuresTotal.Inc()
		a.logger.Error("audit append failed",
			zap.Error(err),
			zap.String("request_id", rec.RequestID),
			zap.String("action", rec.Action),
			zap.String("actor_id", rec.Actor.ID),
			zap.Any("detail", rec.Detail),
		)
	}
}

// Trail returns the audit entries of a request in append order.
func (a *AuditLogger) Trail(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	return a.repo.ListAudit(ctx, requestID)
}
