package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
	"rentalhub-sale-api/pkg/uid"
)

// DefaultResponseWindow is how long a customer has to answer an offer when
// the caller sets no deadline.
const DefaultResponseWindow = 30 * time.Second

// ResolutionExecutor applies one compensating action to one conflict and
// records the attempt, whether it succeeds or not.
type ResolutionExecutor struct {
	ledger    repository.LedgerRepository
	repo      repository.TransitionRepository
	notifier  Notifier
	audit     *AuditLogger
	clock     clock.Clock
	logger    *zap.Logger
	retryOpts []RetryOption
}

// ExecutorOption configures a ResolutionExecutor.
type ExecutorOption func(*ResolutionExecutor)

// WithRetryOptions tunes the retry applied to ledger writes that hit a
// version conflict.
func WithRetryOptions(opts ...RetryOption) ExecutorOption {
	return func(e *ResolutionExecutor) {
		e.retryOpts = append(e.retryOpts, opts...)
	}
}

func NewResolutionExecutor(
	ledger repository.LedgerRepository,
	repo repository.TransitionRepository,
	notifier Notifier,
	audit *AuditLogger,
	clk clock.Clock,
	logger *zap.Logger,
	opts ...ExecutorOption,
) *ResolutionExecutor {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &ResolutionExecutor{
		ledger:   ledger,
		repo:     repo,
		notifier: notifier,
		audit:    audit,
		clock:    clk,
		logger:   logger.Named("executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveInput is one resolution attempt.
type ResolveInput struct {
	// Request is the owning transition. POSTPONE_SALE moves its effective
	// date in place; the caller persists it.
	Request            *model.TransitionRequest
	Conflict           *model.Conflict
	Action             model.ResolutionAction
	Actor              model.Actor
	AlternativeItemID  string
	CompensationAmount decimal.NullDecimal
	Notes              string
	Channel            model.Channel
	// ResponseDeadline bounds the customer's answer for actions that ask for one.
	ResponseDeadline time.Time
}

// ResolveResult is what one attempt produced.
type ResolveResult struct {
	Resolution   *model.Resolution
	Notification *model.Notification
}

// Resolve performs the action. The returned Resolution is always stored,
// including when err is non-nil.
func (e *ResolutionExecutor) Resolve(ctx context.Context, in ResolveInput) (ResolveResult, error) {
	c := in.Conflict
	now := e.clock.Now()
	res := &model.Resolution{
		ID:                 uid.New(),
		ConflictID:         c.ID,
		RequestID:          c.RequestID,
		Action:             in.Action,
		ExecutedBy:         in.Actor.ID,
		CompensationAmount: in.CompensationAmount,
		AlternativeItemID:  in.AlternativeItemID,
		Notes:              in.Notes,
		ExecutedAt:         now,
	}

	status, err := e.apply(ctx, in)
	if err != nil {
		res.Status = model.ExecutionFailed
		res.Error = err.Error()
		_ = e.record(ctx, in, res, err)
		return ResolveResult{Resolution: res}, err
	}
	res.Status = status

	var sent *model.Notification
	if kind, ok := notificationKind(in.Action); ok && c.CustomerID != "" && e.notifier != nil {
		sent = e.notifyCustomer(ctx, in, kind)
		res.CustomerNotified = sent != nil && sent.Status != model.NotificationFailed
	}

	if !c.Resolved {
		if in.Action.FreesClaim() {
			c.Resolved = true
			c.ResolvedAt = &now
		}
		c.ResolutionAction = in.Action
		c.ResolutionNotes = in.Notes
		if err := e.repo.UpdateConflict(ctx, c); err != nil {
			err = fmt.Errorf("update conflict: %w", err)
			res.Status = model.ExecutionFailed
			res.Error = err.Error()
			_ = e.record(ctx, in, res, err)
			return ResolveResult{Resolution: res, Notification: sent}, err
		}
	}

	if err := e.record(ctx, in, res, nil); err != nil {
		return ResolveResult{Resolution: res, Notification: sent}, err
	}
	return ResolveResult{Resolution: res, Notification: sent}, nil
}

// RecordOutcome appends the customer's answer to an offer, or its absence,
// to the conflict's resolution history. It does not change the conflict.
func (e *ResolutionExecutor) RecordOutcome(ctx context.Context, c *model.Conflict, action model.ResolutionAction,
	outcome ResponseOutcome, n *model.Notification, actor model.Actor,
) (*model.Resolution, error) {
	res := &model.Resolution{
		ID:               uid.New(),
		ConflictID:       c.ID,
		RequestID:        c.RequestID,
		Action:           action,
		ExecutedBy:       actor.ID,
		Status:           model.ExecutionSuccess,
		CustomerNotified: true,
		ExecutedAt:       e.clock.Now(),
	}
	switch outcome {
	case OutcomeResponded:
		res.CustomerResponse = n.Response
		res.Notes = "customer responded"
	case OutcomeNoResponse:
		res.Notes = "no response before deadline"
	case OutcomeNotRequired:
		res.Notes = "no response required"
	}
	err := e.record(ctx, ResolveInput{Conflict: c, Action: action, Actor: actor}, res, nil)
	return res, err
}

// Complete resolves a conflict whose claim ended, typically a rental that was
// returned while the sale waited for it.
func (e *ResolutionExecutor) Complete(ctx context.Context, c *model.Conflict, actor model.Actor, notes string) (*model.Resolution, error) {
	if c.Resolved {
		return nil, model.ValidationErrorf("conflict %s is already resolved", c.ID)
	}
	action := c.ResolutionAction
	if action == "" {
		action = model.ActionWaitForReturn
	}

	now := e.clock.Now()
	c.Resolved = true
	c.ResolvedAt = &now
	c.ResolutionAction = action
	c.ResolutionNotes = notes
	if err := e.repo.UpdateConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("update conflict: %w", err)
	}

	res := &model.Resolution{
		ID:         uid.New(),
		ConflictID: c.ID,
		RequestID:  c.RequestID,
		Action:     action,
		ExecutedBy: actor.ID,
		Status:     model.ExecutionSuccess,
		Notes:      notes,
		ExecutedAt: now,
	}
	err := e.record(ctx, ResolveInput{Conflict: c, Action: action, Actor: actor}, res, nil)
	return res, err
}

func (e *ResolutionExecutor) apply(ctx context.Context, in ResolveInput) (model.ExecutionStatus, error) {
	c := in.Conflict
	if !in.Action.Valid() {
		return "", model.ValidationErrorf("unknown resolution action %q", in.Action)
	}
	// compensation may still be offered after the claim was freed
	if c.Resolved && in.Action != model.ActionOfferCompensation {
		return "", model.ValidationErrorf("conflict %s is already resolved", c.ID)
	}

	switch in.Action {
	case model.ActionCancelBooking:
		return model.ExecutionSuccess, e.cancelClaim(ctx, c)
	case model.ActionWaitForReturn:
		if c.Type != model.ConflictActiveRental {
			return "", model.BusinessRuleErrorf("WAIT_FOR_RETURN only applies to active rentals, not %s", c.Type)
		}
		return model.ExecutionPending, nil
	case model.ActionTransferToAlternative:
		return model.ExecutionSuccess, e.transferClaim(ctx, in)
	case model.ActionOfferCompensation:
		if !in.CompensationAmount.Valid || !in.CompensationAmount.Decimal.IsPositive() {
			return "", model.ValidationErrorf("OFFER_COMPENSATION needs a positive compensation amount")
		}
		if c.CustomerID == "" {
			return "", model.ValidationErrorf("conflict %s has no customer to compensate", c.ID)
		}
		return model.ExecutionSuccess, nil
	case model.ActionPostponeSale:
		return model.ExecutionSuccess, e.postpone(in)
	case model.ActionForceSale:
		if c.Severity.Rank() > model.SeverityMedium.Rank() && !in.Actor.Elevated {
			return "", model.BusinessRuleErrorf("FORCE_SALE on a %s conflict requires elevated authorization", c.Severity)
		}
		return model.ExecutionSuccess, nil
	}
	return "", model.ValidationErrorf("unknown resolution action %q", in.Action)
}

func (e *ResolutionExecutor) cancelClaim(ctx context.Context, c *model.Conflict) error {
	if c.EntityType == model.ClaimRental {
		return model.BusinessRuleErrorf("rental %s has already started and cannot be cancelled", c.EntityID)
	}

	return retryOnVersionConflict(ctx, func(ctx context.Context) error {
		claim, err := e.ledger.GetClaim(ctx, c.EntityID)
		if err != nil {
			return err
		}
		if !claim.Status.Open() {
			// released outside the transition; nothing left to cancel
			return nil
		}
		now := e.clock.Now()
		if claim.Kind == model.ClaimBooking && !claim.StartAt.After(now) {
			return model.BusinessRuleErrorf("booking %s has already started", claim.ID)
		}
		claim.Status = model.ClaimCancelled
		claim.UpdatedAt = now
		return e.ledger.UpdateClaim(ctx, claim)
	}, e.retryOpts...)
}

func (e *ResolutionExecutor) transferClaim(ctx context.Context, in ResolveInput) error {
	c := in.Conflict
	if c.EntityType != model.ClaimBooking {
		return model.BusinessRuleErrorf("only bookings can be transferred, not %s", c.EntityType)
	}
	if in.AlternativeItemID == "" {
		return model.ValidationErrorf("TRANSFER_TO_ALTERNATIVE needs an alternative item")
	}
	if in.Request != nil && in.AlternativeItemID == in.Request.ItemID {
		return model.ValidationErrorf("alternative item must differ from the item being sold")
	}

	alt, err := e.ledger.GetItem(ctx, in.AlternativeItemID)
	if errors.Is(err, model.ErrNotFound) {
		return model.ValidationErrorf("alternative item %s does not exist", in.AlternativeItemID)
	}
	if err != nil {
		return err
	}
	if alt.Status == model.ItemSold {
		return model.ValidationErrorf("alternative item %s is sold", alt.ID)
	}

	return retryOnVersionConflict(ctx, func(ctx context.Context) error {
		claim, err := e.ledger.GetClaim(ctx, c.EntityID)
		if err != nil {
			return err
		}
		if !claim.Status.Open() {
			return model.BusinessRuleErrorf("booking %s is no longer open", claim.ID)
		}
		busy, err := e.ledger.ListOpenClaims(ctx, alt.ID)
		if err != nil {
			return fmt.Errorf("list alternative claims: %w", err)
		}
		for _, other := range busy {
			if other.Overlaps(claim.StartAt, claim.EndAt) {
				return model.ValidationErrorf("alternative item %s is not available from %s to %s",
					alt.ID, claim.StartAt.Format(time.DateOnly), claim.EndAt.Format(time.DateOnly))
			}
		}
		claim.ItemID = alt.ID
		claim.UpdatedAt = e.clock.Now()
		return e.ledger.UpdateClaim(ctx, claim)
	}, e.retryOpts...)
}

func (e *ResolutionExecutor) postpone(in ResolveInput) error {
	if in.Request == nil {
		return model.ValidationErrorf("POSTPONE_SALE needs the owning transition")
	}
	if in.Conflict.EndsAt.IsZero() {
		return model.BusinessRuleErrorf("conflict %s has no end date to postpone past", in.Conflict.ID)
	}
	current := in.Request.EffectiveAt(e.clock.Now())
	if in.Conflict.EndsAt.After(current) {
		next := in.Conflict.EndsAt
		in.Request.EffectiveDate = &next
	}
	return nil
}

func (e *ResolutionExecutor) notifyCustomer(ctx context.Context, in ResolveInput, kind model.NotificationKind) *model.Notification {
	c := in.Conflict
	payload := map[string]string{
		"claim_id":    c.EntityID,
		"action":      string(in.Action),
		"description": c.Description,
	}
	if in.Request != nil {
		payload["item_id"] = in.Request.ItemID
	}
	if in.AlternativeItemID != "" {
		payload["alternative_item_id"] = in.AlternativeItemID
	}
	if in.CompensationAmount.Valid {
		payload["compensation_amount"] = in.CompensationAmount.Decimal.StringFixed(2)
	}

	notifyIn := NotifyInput{
		RequestID:        c.RequestID,
		ConflictID:       c.ID,
		CustomerID:       c.CustomerID,
		Kind:             kind,
		Channel:          in.Channel,
		Payload:          payload,
		ResponseRequired: in.Action.RequiresResponse(),
	}
	if notifyIn.ResponseRequired {
		deadline := in.ResponseDeadline
		if deadline.IsZero() {
			deadline = e.clock.Now().Add(DefaultResponseWindow)
		}
		notifyIn.Deadline = &deadline
	}

	n, err := e.notifier.Notify(ctx, notifyIn)
	if err != nil {
		e.logger.Warn("customer notification failed",
			zap.String("conflict_id", c.ID), zap.String("customer_id", c.CustomerID), zap.Error(err))
		return nil
	}
	return n
}

// record appends the resolution and its audit entry.
func (e *ResolutionExecutor) record(ctx context.Context, in ResolveInput, res *model.Resolution, cause error) error {
	// failed attempts are kept even when the caller's context is gone
	appendErr := e.repo.AppendResolution(context.WithoutCancel(ctx), res)
	if appendErr != nil {
		e.logger.Error("append resolution failed", zap.String("conflict_id", res.ConflictID), zap.Error(appendErr))
		appendErr = fmt.Errorf("append resolution: %w", appendErr)
	}

	result := "success"
	action := model.AuditResolutionExecuted
	if in.Action == model.ActionForceSale {
		action = model.AuditForceSale
	}
	detail := map[string]any{
		"conflict_id":   res.ConflictID,
		"conflict_type": string(in.Conflict.Type),
		"severity":      string(in.Conflict.Severity),
		"entity_id":     in.Conflict.EntityID,
		"action":        string(res.Action),
		"status":        string(res.Status),
		"seq":           res.Seq,
	}
	if cause != nil {
		result = "failed"
		action = model.AuditResolutionFailed
		detail["error"] = cause.Error()
	}
	if res.CompensationAmount.Valid {
		detail["compensation_amount"] = res.CompensationAmount.Decimal.String()
	}
	if res.AlternativeItemID != "" {
		detail["alternative_item_id"] = res.AlternativeItemID
	}

	e.audit.Append(ctx, AuditRecord{
		RequestID: res.RequestID,
		Action:    action,
		Actor:     in.Actor,
		Detail:    detail,
	})
	resolutionsTotal.WithLabelValues(string(res.Action), result).Inc()
	return appendErr
}

func notificationKind(a model.ResolutionAction) (model.NotificationKind, bool) {
	switch a {
	case model.ActionCancelBooking:
		return model.KindBookingCancelled, true
	case model.ActionWaitForReturn:
		return model.KindReturnRequested, true
	case model.ActionTransferToAlternative:
		return model.KindTransferOffered, true
	case model.ActionOfferCompensation:
		return model.KindCompensation, true
	case model.ActionForceSale:
		return model.KindSaleOverride, true
	case model.ActionPostponeSale:
		return "", false
	}
	return "", false
}
