package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rentalhub-sale-api/internal/model"
)

// Override replaces the default strategy for one conflict.
type Override struct {
	Action            model.ResolutionAction
	AlternativeItemID string
	// CompensationAmount, next to CANCEL_BOOKING or TRANSFER_TO_ALTERNATIVE,
	// also offers compensation once the primary action succeeded.
	CompensationAmount decimal.NullDecimal
	Notes              string
}

// ConfirmInput carries the caller's choices for a confirmation.
type ConfirmInput struct {
	// Overrides by conflict id.
	Overrides map[string]Override
	// ForceNonCritical applies FORCE_SALE to every non-critical conflict
	// without an override.
	ForceNonCritical bool
	Channel          model.Channel
	// ResponseTimeout bounds every customer response wait.
	ResponseTimeout time.Duration
}

// ConfirmResult reports what a confirmation did.
type ConfirmResult struct {
	Transition    *model.TransitionRequest   `json:"transition"`
	Resolutions   []model.Resolution         `json:"resolutions"`
	Notifications []model.Notification       `json:"notifications"`
	Outcomes      map[string]ResponseOutcome `json:"outcomes,omitempty"`
	Unresolved    int                        `json:"unresolved"`
}

type resolutionPlan struct {
	conflict     *model.Conflict
	action       model.ResolutionAction
	alternative  string
	compensation decimal.NullDecimal
	notes        string
}

// Confirm resolves every unresolved conflict and commits the sale once none
// is left. A failed resolution restores the ledger from the checkpoint taken
// before the first mutation.
func (o *TransitionOrchestrator) Confirm(ctx context.Context, id string, actor model.Actor, in ConfirmInput) (*ConfirmResult, error) {
	if in.ResponseTimeout < 0 {
		return nil, model.ValidationErrorf("response timeout must not be negative")
	}
	timeout := in.ResponseTimeout
	if timeout == 0 {
		timeout = o.responseTimeout
	}
	if in.Channel != "" && !in.Channel.Valid() {
		return nil, model.ValidationErrorf("unknown channel %q", in.Channel)
	}

	release, err := o.claim(id)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status == model.StatusApproved:
	case req.Status == model.StatusProcessing && req.Approved():
	default:
		return nil, model.InvalidStateErrorf("transition %s is %s; confirm needs %s without pending approval, or %s",
			id, req.Status, model.StatusProcessing, model.StatusApproved)
	}

	conflicts, err := o.store.ListConflicts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	plans, err := o.plan(req, conflicts, in, actor)
	if err != nil {
		return nil, err
	}

	cp, err := o.ensureCheckpoint(ctx, req, conflicts, actor)
	if err != nil {
		return nil, err
	}
	req.CheckpointID = cp.ID
	if req.Status == model.StatusApproved {
		err = o.setStatus(ctx, req, model.StatusProcessing, actor, model.AuditTransitionStatus, "",
			map[string]any{"checkpoint_id": cp.ID})
	} else {
		err = o.save(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	result := &ConfirmResult{Transition: req}
	prevEffective := req.EffectiveDate
	deadline := o.clock.Now().Add(timeout)

	outs, execErr := o.execute(ctx, req, plans, actor, in.Channel, deadline)
	for _, out := range outs {
		if out.Resolution != nil {
			result.Resolutions = append(result.Resolutions, *out.Resolution)
		}
		if out.Notification != nil {
			result.Notifications = append(result.Notifications, *out.Notification)
		}
	}
	if execErr != nil {
		return result, o.recoverFailure(ctx, req, prevEffective, execErr)
	}

	result.Outcomes = o.awaitResponses(ctx, plans, outs)
	if err := o.settle(ctx, req, actor, result); err != nil {
		return result, err
	}
	return result, nil
}

// plan picks an action for every unresolved conflict: the caller's override,
// then ForceNonCritical, then the request's strategy when it applies, then
// WAIT_FOR_RETURN for active rentals and CANCEL_BOOKING for everything else.
func (o *TransitionOrchestrator) plan(req *model.TransitionRequest, conflicts []model.Conflict, in ConfirmInput, actor model.Actor) ([]resolutionPlan, error) {
	known := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		known[c.ID] = true
	}
	for conflictID, ov := range in.Overrides {
		if !known[conflictID] {
			return nil, model.ValidationErrorf("override names unknown conflict %s", conflictID)
		}
		if !ov.Action.Valid() {
			return nil, model.ValidationErrorf("override for conflict %s has unknown action %q", conflictID, ov.Action)
		}
		if ov.CompensationAmount.Valid && !ov.CompensationAmount.Decimal.IsPositive() {
			return nil, model.ValidationErrorf("compensation for conflict %s must be positive", conflictID)
		}
	}

	var plans []resolutionPlan
	for i := range conflicts {
		c := &conflicts[i]
		if c.Resolved {
			continue
		}
		if ov, ok := in.Overrides[c.ID]; ok {
			plans = append(plans, resolutionPlan{
				conflict:     c,
				action:       ov.Action,
				alternative:  ov.AlternativeItemID,
				compensation: ov.CompensationAmount,
				notes:        ov.Notes,
			})
			continue
		}
		// already waiting on a return or the rescheduled date
		if c.ResolutionAction == model.ActionWaitForReturn || c.ResolutionAction == model.ActionPostponeSale {
			continue
		}

		action := model.ActionCancelBooking
		switch {
		case in.ForceNonCritical && c.Severity != model.SeverityCritical:
			action = model.ActionForceSale
		case strategyApplies(req.Strategy, c, actor):
			action = req.Strategy
		case c.Type == model.ConflictActiveRental:
			action = model.ActionWaitForReturn
		}
		plans = append(plans, resolutionPlan{conflict: c, action: action})
	}
	return plans, nil
}

// strategyApplies reports whether a request-wide strategy can be used on a
// conflict without caller-supplied details.
func strategyApplies(strategy model.ResolutionAction, c *model.Conflict, actor model.Actor) bool {
	switch strategy {
	case model.ActionCancelBooking:
		return c.EntityType != model.ClaimRental
	case model.ActionWaitForReturn:
		return c.Type == model.ConflictActiveRental
	case model.ActionPostponeSale:
		return !c.EndsAt.IsZero()
	case model.ActionForceSale:
		return c.Severity.Rank() <= model.SeverityMedium.Rank() || actor.Elevated
	case model.ActionTransferToAlternative, model.ActionOfferCompensation:
		// need an alternative item or an amount
		return false
	}
	return false
}

// ensureCheckpoint reuses the request's checkpoint while it is restorable so
// a resumed confirmation can still undo the earlier phase, and takes a new
// one otherwise.
func (o *TransitionOrchestrator) ensureCheckpoint(ctx context.Context, req *model.TransitionRequest, conflicts []model.Conflict, actor model.Actor) (*model.Checkpoint, error) {
	if req.CheckpointID != "" {
		cp, err := o.checkpoints.Get(ctx, req.CheckpointID)
		if err == nil && cp.Restorable(o.clock.Now()) {
			return cp, nil
		}
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("get checkpoint: %w", err)
		}
	}

	item, err := o.store.GetItem(ctx, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("snapshot item: %w", err)
	}
	snap := model.Snapshot{Item: *item}
	for _, c := range conflicts {
		if c.Resolved {
			continue
		}
		claim, err := o.store.GetClaim(ctx, c.EntityID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot claim %s: %w", c.EntityID, err)
		}
		snap.Claims = append(snap.Claims, *claim)
	}

	cp, err := o.checkpoints.Create(ctx, req.ID, snap)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	o.audit.Append(ctx, AuditRecord{
		RequestID: req.ID,
		Action:    model.AuditCheckpointCreated,
		Actor:     actor,
		Detail: map[string]any{
			"checkpoint_id": cp.ID,
			"claims":        len(snap.Claims),
			"expires_at":    cp.ExpiresAt,
		},
	})
	return cp, nil
}

// execute runs the plans with bounded concurrency and stops scheduling new
// ones after the first failure. POSTPONE_SALE results move req's effective
// date to the latest requested one.
func (o *TransitionOrchestrator) execute(
	ctx context.Context,
	req *model.TransitionRequest,
	plans []resolutionPlan,
	actor model.Actor,
	channel model.Channel,
	deadline time.Time,
) ([]ResolveResult, error) {
	outs := make([][]ResolveResult, len(plans))
	postponed := make([]*time.Time, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, p := range plans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			// each worker gets its own copy; only the effective date is read back
			scoped := *req
			in := ResolveInput{
				Request:           &scoped,
				Conflict:          p.conflict,
				Action:            p.action,
				Actor:             actor,
				AlternativeItemID: p.alternative,
				Notes:             p.notes,
				Channel:           channel,
				ResponseDeadline:  deadline,
			}
			if p.action == model.ActionOfferCompensation {
				in.CompensationAmount = p.compensation
			}
			out, err := o.executor.Resolve(gctx, in)
			outs[i] = append(outs[i], out)
			if err != nil {
				return fmt.Errorf("resolve conflict %s with %s: %w", p.conflict.ID, p.action, err)
			}
			if p.action == model.ActionPostponeSale {
				postponed[i] = scoped.EffectiveDate
			}

			if p.compensation.Valid && (p.action == model.ActionCancelBooking || p.action == model.ActionTransferToAlternative) {
				offer, err := o.executor.Resolve(gctx, ResolveInput{
					Request:            &scoped,
					Conflict:           p.conflict,
					Action:             model.ActionOfferCompensation,
					Actor:              actor,
					CompensationAmount: p.compensation,
					Notes:              p.notes,
					Channel:            channel,
					ResponseDeadline:   deadline,
				})
				outs[i] = append(outs[i], offer)
				if err != nil {
					return fmt.Errorf("offer compensation on conflict %s: %w", p.conflict.ID, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	now := o.clock.Now()
	for _, next := range postponed {
		if next != nil && next.After(req.EffectiveAt(now)) {
			req.EffectiveDate = next
		}
	}

	var flat []ResolveResult
	for _, batch := range outs {
		flat = append(flat, batch...)
	}
	return flat, err
}

// awaitResponses waits, concurrently and never past each deadline, for the
// customers who were asked to respond, and records every outcome as a
// follow-up resolution. A response never resolves a conflict by itself.
func (o *TransitionOrchestrator) awaitResponses(ctx context.Context, plans []resolutionPlan, outs []ResolveResult) map[string]ResponseOutcome {
	conflicts := make(map[string]*model.Conflict, len(plans))
	for _, p := range plans {
		conflicts[p.conflict.ID] = p.conflict
	}

	var (
		mu       sync.Mutex
		outcomes = make(map[string]ResponseOutcome)
		g        errgroup.Group
	)
	for _, out := range outs {
		n := out.Notification
		if n == nil || !n.ResponseRequired || n.Status == model.NotificationFailed {
			continue
		}
		c := conflicts[n.ConflictID]
		action := out.Resolution.Action
		g.Go(func() error {
			outcome, final, err := o.dispatcher.Await(ctx, n.ID)
			if err != nil {
				o.logger.Warn("response wait ended early", zap.String("notification_id", n.ID), zap.Error(err))
				return nil
			}
			mu.Lock()
			outcomes[n.ID] = outcome
			mu.Unlock()

			if c == nil {
				return nil
			}
			if _, err := o.executor.RecordOutcome(ctx, c, action, outcome, final, model.SystemActor); err != nil {
				o.logger.Error("record response outcome", zap.String("conflict_id", c.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// settle commits the sale when every conflict is resolved and otherwise
// leaves the request PROCESSING with its progress updated.
func (o *TransitionOrchestrator) settle(ctx context.Context, req *model.TransitionRequest, actor model.Actor, result *ConfirmResult) error {
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
	result.Unresolved = len(conflicts) - resolved

	if result.Unresolved == 0 {
		return o.commit(ctx, req, actor)
	}
	req.StatusReason = fmt.Sprintf("%d conflict(s) awaiting return or further action", result.Unresolved)
	return o.save(ctx, req)
}

// commit marks the item sold under the item lock, retires the checkpoint and
// completes the request.
func (o *TransitionOrchestrator) commit(ctx context.Context, req *model.TransitionRequest, actor model.Actor) error {
	err := o.locker.WithLock(ctx, "item:"+req.ItemID, func(ctx context.Context) error {
		return retryOnVersionConflict(ctx, func(ctx context.Context) error {
			item, err := o.store.GetItem(ctx, req.ItemID)
			if err != nil {
				return err
			}
			if item.Status == model.ItemSold {
				return model.BusinessRuleErrorf("item %s is already sold", item.ID)
			}
			item.Status = model.ItemSold
			item.UpdatedAt = o.clock.Now()
			return o.store.UpdateItem(ctx, item)
		})
	})
	if err != nil {
		return fmt.Errorf("mark item sold: %w", err)
	}

	if req.CheckpointID != "" {
		if err := o.checkpoints.Release(ctx, req.CheckpointID); err != nil {
			o.logger.Warn("release checkpoint", zap.String("checkpoint_id", req.CheckpointID), zap.Error(err))
		}
	}

	return o.setStatus(ctx, req, model.StatusCompleted, actor, model.AuditCompleted, "sale completed",
		map[string]any{
			"item_id":    req.ItemID,
			"sale_price": req.SalePrice.String(),
			"resolved":   req.Conflicts.Resolved,
		})
}

// recoverFailure restores the checkpoint after a failed resolution. Business
// rule and validation failures return the request to PROCESSING so another
// action can be tried; anything else rolls it back. A failed restore leaves
// the request FAILED for an operator.
func (o *TransitionOrchestrator) recoverFailure(ctx context.Context, req *model.TransitionRequest, prevEffective *time.Time, cause error) error {
	ctx = context.WithoutCancel(ctx)
	o.logger.Warn("resolution failed, restoring checkpoint",
		zap.String("request_id", req.ID), zap.String("checkpoint_id", req.CheckpointID), zap.Error(cause))

	restored, reinstated, err := o.restoreCheckpoint(ctx, req.CheckpointID, true)
	if err != nil {
		rollbacksTotal.WithLabelValues("failed").Inc()
		reason := fmt.Sprintf("resolution failed: %v; checkpoint restore failed: %v", cause, err)
		if serr := o.setStatus(ctx, req, model.StatusFailed, model.SystemActor, model.AuditFailed, reason, nil); serr != nil {
			o.logger.Error("mark transition failed", zap.String("request_id", req.ID), zap.Error(serr))
		}
		return fmt.Errorf("%w (restore failed: %w)", cause, err)
	}
	rollbacksTotal.WithLabelValues("success").Inc()

	if err := o.reopenConflicts(ctx, req, restored); err != nil {
		o.logger.Error("reopen conflicts", zap.String("request_id", req.ID), zap.Error(err))
	}
	notified := o.noticeReinstated(ctx, req, reinstated)
	req.EffectiveDate = prevEffective

	detail := map[string]any{
		"checkpoint_id":     req.CheckpointID,
		"restored_claims":   len(restored),
		"reinstated_claims": len(reinstated),
		"notified":          notified,
		"error":             cause.Error(),
	}
	if model.IsRecoverable(cause) {
		reason := "resolution failed, ledger restored: " + cause.Error()
		if err := o.setStatus(ctx, req, model.StatusProcessing, model.SystemActor, model.AuditRestored, reason, detail); err != nil {
			return errors.Join(cause, err)
		}
		return cause
	}

	reason := "rolled back after resolution failure: " + cause.Error()
	if err := o.setStatus(ctx, req, model.StatusRolledBack, model.SystemActor, model.AuditRolledBack, reason, detail); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// reopenConflicts clears the resolution of conflicts whose claims were
// restored, since their resolution no longer holds.
func (o *TransitionOrchestrator) reopenConflicts(ctx context.Context, req *model.TransitionRequest, restored []model.Claim) error {
	ids := make(map[string]bool, len(restored))
	for _, c := range restored {
		ids[c.ID] = true
	}
	conflicts, err := o.store.ListConflicts(ctx, req.ID)
	if err != nil {
		return err
	}
	resolved := 0
	for i := range conflicts {
		c := &conflicts[i]
		if ids[c.EntityID] && (c.Resolved || c.ResolutionAction != "") {
			c.Resolved = false
			c.ResolvedAt = nil
			c.ResolutionAction = ""
			c.ResolutionNotes = "reopened: ledger restored from checkpoint"
			if err := o.store.UpdateConflict(ctx, c); err != nil {
				return err
			}
		}
		if c.Resolved {
			resolved++
		}
	}
	req.Conflicts.Resolved = resolved
	return nil
}
