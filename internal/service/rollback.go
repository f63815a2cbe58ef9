package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rentalhub-sale-api/internal/model"
)

// RollbackInput describes a manual rollback.
type RollbackInput struct {
	Reason string
	// RestoreBookings reinstates bookings cancelled or transferred by the
	// transition. When false only rentals, holds and the item are restored.
	RestoreBookings bool
}

// RollbackResult reports what a rollback restored.
type RollbackResult struct {
	Transition       *model.TransitionRequest `json:"transition"`
	CheckpointID     string                   `json:"checkpoint_id"`
	RestoredClaims   int                      `json:"restored_claims"`
	ReinstatedClaims int                      `json:"reinstated_claims"`
	Notified         int                      `json:"notified"`
}

// Rollback restores the request's checkpoint and ends it ROLLED_BACK. It
// fails with model.ErrRollbackUnavailable, leaving the request unchanged,
// when the request is terminal or its checkpoint is missing, expired or
// already used.
func (o *TransitionOrchestrator) Rollback(ctx context.Context, id string, actor model.Actor, in RollbackInput) (*RollbackResult, error) {
	release, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		rollbacksTotal.WithLabelValues("unavailable").Inc()
		return nil, model.RollbackUnavailableErrorf("transition %s is already %s", id, req.Status)
	}
	if req.CheckpointID == "" {
		rollbacksTotal.WithLabelValues("unavailable").Inc()
		return nil, model.RollbackUnavailableErrorf("transition %s has no checkpoint", id)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "rolled back by " + actor.ID
	}

	restored, reinstated, err := o.restoreCheckpoint(ctx, req.CheckpointID, in.RestoreBookings)
	if errors.Is(err, model.ErrRollbackUnavailable) {
		rollbacksTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}
	if err != nil {
		// the checkpoint is spent; nothing may retry this restore
		rollbacksTotal.WithLabelValues("failed").Inc()
		ctx := context.WithoutCancel(ctx)
		failReason := "rollback failed: " + err.Error()
		if serr := o.setStatus(ctx, req, model.StatusFailed, actor, model.AuditFailed, failReason,
			map[string]any{"checkpoint_id": req.CheckpointID}); serr != nil {
			o.logger.Error("mark transition failed", zap.String("request_id", id), zap.Error(serr))
		}
		return nil, err
	}

	if err := o.reopenConflicts(ctx, req, restored); err != nil {
		o.logger.Error("reopen conflicts", zap.String("request_id", id), zap.Error(err))
	}
	notified := o.noticeReinstated(ctx, req, reinstated)

	err = o.setStatus(ctx, req, model.StatusRolledBack, actor, model.AuditRolledBack, reason, map[string]any{
		"checkpoint_id":     req.CheckpointID,
		"restored_claims":   len(restored),
		"reinstated_claims": len(reinstated),
		"restore_bookings":  in.RestoreBookings,
	})
	if err != nil {
		return nil, err
	}
	rollbacksTotal.WithLabelValues("success").Inc()

	return &RollbackResult{
		Transition:       req,
		CheckpointID:     req.CheckpointID,
		RestoredClaims:   len(restored),
		ReinstatedClaims: len(reinstated),
		Notified:         notified,
	}, nil
}

// restoreCheckpoint claims the checkpoint and writes its snapshot back. It
// returns the claims written and, among them, the bookings that come back
// to the customer. Claims completed since the snapshot are real-world events
// and stay completed.
func (o *TransitionOrchestrator) restoreCheckpoint(ctx context.Context, checkpointID string, restoreBookings bool) ([]model.Claim, []model.Claim, error) {
	snap, err := o.checkpoints.Restore(ctx, checkpointID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil, model.RollbackUnavailableErrorf("checkpoint %s is expired or already used", checkpointID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("restore checkpoint: %w", err)
	}

	var restored, reinstated []model.Claim
	for _, claim := range snap.Claims {
		if claim.Kind == model.ClaimBooking && !restoreBookings {
			continue
		}
		current, err := o.store.GetClaim(ctx, claim.ID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("read claim %s: %w", claim.ID, err)
		}
		if current != nil && current.Status == model.ClaimCompleted {
			continue
		}
		restored = append(restored, claim)
		if claim.Kind == model.ClaimBooking && current != nil &&
			(current.Status != claim.Status || current.ItemID != claim.ItemID) {
			reinstated = append(reinstated, claim)
		}
	}
	snap.Claims = restored

	if err := o.store.RestoreSnapshot(ctx, snap); err != nil {
		return nil, nil, fmt.Errorf("restore snapshot: %w", err)
	}
	o.logger.Info("checkpoint restored",
		zap.String("checkpoint_id", checkpointID), zap.Int("claims", len(restored)), zap.Int("reinstated", len(reinstated)))
	return restored, reinstated, nil
}

// noticeReinstated tells customers their booking is back. Failures are
// logged; the rollback stands regardless.
func (o *TransitionOrchestrator) noticeReinstated(ctx context.Context, req *model.TransitionRequest, claims []model.Claim) int {
	sent := 0
	for _, claim := range claims {
		if claim.CustomerID == "" {
			continue
		}
		_, err := o.dispatcher.Notify(ctx, NotifyInput{
			RequestID:  req.ID,
			CustomerID: claim.CustomerID,
			Kind:       model.KindBookingReinstated,
			Payload: map[string]string{
				"item_id":  claim.ItemID,
				"claim_id": claim.ID,
				"start_at": claim.StartAt.Format(time.DateOnly),
				"end_at":   claim.EndAt.Format(time.DateOnly),
			},
		})
		if err != nil {
			o.logger.Warn("reinstated booking notice failed",
				zap.String("claim_id", claim.ID), zap.String("customer_id", claim.CustomerID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// ReturnResult reports a recorded return and the transitions it advanced.
type ReturnResult struct {
	Claim       *model.Claim               `json:"claim"`
	Transitions []*model.TransitionRequest `json:"transitions"`
}

// HandleReturn records the end of a rental, or of a booking a sale was
// postponed past, resolves the conflicts waiting on it and commits every
// transition left without unresolved conflicts.
func (o *TransitionOrchestrator) HandleReturn(ctx context.Context, claimID string, actor model.Actor) (*ReturnResult, error) {
	var claim *model.Claim
	err := retryOnVersionConflict(ctx, func(ctx context.Context) error {
		c, err := o.store.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		claim = c
		if c.Kind != model.ClaimRental && c.Kind != model.ClaimBooking {
			return model.ValidationErrorf("claim %s is a %s, only rentals and bookings are returned", c.ID, c.Kind)
		}
		if !c.Status.Open() {
			return nil
		}
		c.Status = model.ClaimCompleted
		c.UpdatedAt = o.clock.Now()
		return o.store.UpdateClaim(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	conflicts, err := o.store.ListConflictsByEntity(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	result := &ReturnResult{Claim: claim, Transitions: []*model.TransitionRequest{}}
	touched := make(map[string]*model.TransitionRequest)
	var order []string
	for i := range conflicts {
		c := &conflicts[i]
		if c.Resolved {
			continue
		}
		req, ok := touched[c.RequestID]
		if !ok {
			req, err = o.store.GetTransition(ctx, c.RequestID)
			if err != nil {
				return nil, err
			}
			if req.Status.IsTerminal() {
				continue
			}
			touched[req.ID] = req
			order = append(order, req.ID)
		}
		if _, err := o.executor.Complete(ctx, c, actor, fmt.Sprintf("%s %s returned", strings.ToLower(string(claim.Kind)), claimID)); err != nil {
			return nil, err
		}
		o.audit.Append(ctx, AuditRecord{
			RequestID: req.ID,
			Action:    model.AuditReturnRecorded,
			Actor:     actor,
			Detail: map[string]any{
				"claim_id":    claimID,
				"conflict_id": c.ID,
			},
		})
	}

	for _, id := range order {
		req := touched[id]
		if err := o.advanceAfterReturn(ctx, req, actor); err != nil {
			return nil, err
		}
		result.Transitions = append(result.Transitions, req)
	}
	return result, nil
}

// advanceAfterReturn commits req when nothing blocks it any more. Requests
// still awaiting approval, or with a confirmation running, are left alone.
func (o *TransitionOrchestrator) advanceAfterReturn(ctx context.Context, req *model.TransitionRequest, actor model.Actor) error {
	if _, busy := o.inflight.Load(req.ID); busy {
		return nil
	}
	conflicts, err := o.store.ListConflicts(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}
	resolved := 0
	for _, c := range conflicts {
		if c.Resolved {
			resolved++
		}
	}
	req.Conflicts.Resolved = resolved

	ready := resolved == len(conflicts) && req.CheckpointID != "" &&
		(req.Status == model.StatusProcessing && req.Approved())
	if !ready {
		return o.save(ctx, req)
	}

	release, err := o.claim(req.ID)
	if err != nil {
		return nil
	}
	defer release()
	return o.commit(ctx, req, actor)
}
