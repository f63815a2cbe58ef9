package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/checkpoint"
	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/lock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
	"rentalhub-sale-api/pkg/uid"
)

// DefaultResolutionConcurrency is how many conflicts Confirm resolves at once.
const DefaultResolutionConcurrency = 1

// OrchestratorDeps are the collaborators of a TransitionOrchestrator.
type OrchestratorDeps struct {
	Store       repository.Store
	Detector    *ConflictDetector
	Executor    *ResolutionExecutor
	Dispatcher  *NotificationDispatcher
	Checkpoints checkpoint.Store
	Locker      lock.Locker
	Audit       *AuditLogger
	Clock       clock.Clock
	Logger      *zap.Logger
}

// OrchestratorOption configures a TransitionOrchestrator.
type OrchestratorOption func(*TransitionOrchestrator)

// WithResolutionConcurrency bounds how many conflicts are resolved in parallel.
func WithResolutionConcurrency(n int) OrchestratorOption {
	return func(o *TransitionOrchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithResponseTimeout sets the response window used when Confirm names none.
func WithResponseTimeout(d time.Duration) OrchestratorOption {
	return func(o *TransitionOrchestrator) {
		if d > 0 {
			o.responseTimeout = d
		}
	}
}

// TransitionOrchestrator owns the sale transition state machine. It sequences
// detection, approval, resolution, customer notification and commit, and
// restores the ledger from a checkpoint when resolution fails.
type TransitionOrchestrator struct {
	store       repository.Store
	detector    *ConflictDetector
	executor    *ResolutionExecutor
	dispatcher  *NotificationDispatcher
	checkpoints checkpoint.Store
	locker      lock.Locker
	audit       *AuditLogger
	clock       clock.Clock
	logger      *zap.Logger
	policy      ApprovalPolicy

	concurrency     int
	responseTimeout time.Duration

	// requests with a Confirm or Rollback running in this process
	inflight sync.Map
}

func NewTransitionOrchestrator(deps OrchestratorDeps, policy ApprovalPolicy, opts ...OrchestratorOption) *TransitionOrchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewMemoryLocker()
	}
	o := &TransitionOrchestrator{
		store:           deps.Store,
		detector:        deps.Detector,
		executor:        deps.Executor,
		dispatcher:      deps.Dispatcher,
		checkpoints:     deps.Checkpoints,
		locker:          deps.Locker,
		audit:           deps.Audit,
		clock:           deps.Clock,
		logger:          deps.Logger.Named("orchestrator"),
		policy:          policy,
		concurrency:     DefaultResolutionConcurrency,
		responseTimeout: DefaultResponseWindow,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EligibilityInput describes a prospective sale.
type EligibilityInput struct {
	ItemID        string
	LocationID    string
	SalePrice     decimal.Decimal
	EffectiveDate *time.Time
}

// EligibilityReport is the read-only answer to "can this item be sold".
type EligibilityReport struct {
	ItemID             string                `json:"item_id"`
	Eligible           bool                  `json:"eligible"`
	BlockingReasons    []string              `json:"blocking_reasons,omitempty"`
	ActiveTransitionID string                `json:"active_transition_id,omitempty"`
	ApprovalRequired   bool                  `json:"approval_required"`
	ApprovalReasons    []string              `json:"approval_reasons,omitempty"`
	Summary            model.ConflictSummary `json:"summary"`
}

// CheckEligibility detects conflicts and evaluates the approval policy
// without writing anything.
func (o *TransitionOrchestrator) CheckEligibility(ctx context.Context, in EligibilityInput) (*EligibilityReport, error) {
	if err := o.validateSale(in.ItemID, in.SalePrice, in.EffectiveDate); err != nil {
		return nil, err
	}
	item, err := o.store.GetItem(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}

	report := &EligibilityReport{ItemID: in.ItemID, Eligible: true}
	if item.Status == model.ItemSold {
		report.Eligible = false
		report.BlockingReasons = append(report.BlockingReasons, "item is already sold")
	}
	active, err := o.store.FindActiveTransition(ctx, in.ItemID)
	if err != nil {
		return nil, fmt.Errorf("find active transition: %w", err)
	}
	if active != nil {
		report.Eligible = false
		report.ActiveTransitionID = active.ID
		report.BlockingReasons = append(report.BlockingReasons,
			fmt.Sprintf("transition %s is already %s", active.ID, active.Status))
	}

	summary, err := o.detector.Detect(ctx, DetectInput{
		ItemID:        in.ItemID,
		EffectiveDate: in.EffectiveDate,
		LocationID:    in.LocationID,
	})
	if err != nil {
		return nil, err
	}
	report.Summary = summary
	report.ApprovalRequired, report.ApprovalReasons = o.policy.Evaluate(in.SalePrice, summary)
	return report, nil
}

// InitiateInput proposes the sale of one item.
type InitiateInput struct {
	ItemID        string
	LocationID    string
	SalePrice     decimal.Decimal
	EffectiveDate *time.Time
	// Strategy is the default resolution action for every conflict.
	Strategy model.ResolutionAction
}

// InitiateResult is the created request and what detection found.
type InitiateResult struct {
	Transition *model.TransitionRequest `json:"transition"`
	Summary    model.ConflictSummary    `json:"summary"`
}

// Initiate creates a transition for an item, detects its conflicts and runs
// the approval gate. It fails with model.ErrConflict when the item already
// has a non-terminal transition.
func (o *TransitionOrchestrator) Initiate(ctx context.Context, actor model.Actor, in InitiateInput) (*InitiateResult, error) {
	if err := o.validateSale(in.ItemID, in.SalePrice, in.EffectiveDate); err != nil {
		return nil, err
	}
	if !in.Strategy.Valid() {
		return nil, model.ValidationErrorf("unknown resolution strategy %q", in.Strategy)
	}
	if actor.ID == "" {
		return nil, model.ValidationErrorf("requester identity is required")
	}

	item, err := o.store.GetItem(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status == model.ItemSold {
		return nil, model.BusinessRuleErrorf("item %s is already sold", item.ID)
	}
	location := in.LocationID
	if location == "" {
		location = item.LocationID
	}

	now := o.clock.Now()
	req := &model.TransitionRequest{
		ID:            uid.New(),
		ItemID:        in.ItemID,
		LocationID:    location,
		RequestedBy:   actor.ID,
		Status:        model.StatusPending,
		SalePrice:     in.SalePrice,
		EffectiveDate: in.EffectiveDate,
		Strategy:      in.Strategy,
		RevenueImpact: decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = o.store.WithTx(ctx, func(ctx context.Context) error {
		active, err := o.store.FindActiveTransition(ctx, in.ItemID)
		if err != nil {
			return fmt.Errorf("find active transition: %w", err)
		}
		if active != nil {
			return model.ConflictErrorf("item %s already has transition %s in %s", in.ItemID, active.ID, active.Status)
		}
		return o.store.CreateTransition(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	o.audit.Append(ctx, AuditRecord{
		RequestID: req.ID,
		Action:    model.AuditTransitionCreated,
		Actor:     actor,
		To:        model.StatusPending,
		Detail: map[string]any{
			"item_id":    req.ItemID,
			"sale_price": req.SalePrice.String(),
			"strategy":   string(req.Strategy),
		},
	})
	transitionsTotal.WithLabelValues(string(model.StatusPending)).Inc()
	o.logger.Info("transition initiated",
		zap.String("request_id", req.ID), zap.String("item_id", req.ItemID), zap.String("actor_id", actor.ID))

	summary, err := o.detector.Detect(ctx, DetectInput{
		ItemID:        req.ItemID,
		EffectiveDate: req.EffectiveDate,
		LocationID:    req.LocationID,
	})
	if err == nil {
		for i := range summary.Conflicts {
			summary.Conflicts[i].ID = uid.New()
			summary.Conflicts[i].RequestID = req.ID
			summary.Conflicts[i].DetectedAt = now
		}
		err = o.store.InsertConflicts(ctx, summary.Conflicts)
	}
	if err != nil {
		reason := "conflict detection failed: " + err.Error()
		if cerr := o.setStatus(ctx, req, model.StatusCancelled, actor, model.AuditCancelled, reason, nil); cerr != nil {
			o.logger.Error("cancel after failed detection", zap.String("request_id", req.ID), zap.Error(cerr))
		}
		return nil, fmt.Errorf("detect conflicts: %w", err)
	}
	// ids were assigned above; keep the critical list in step
	summary.Critical = summary.Critical[:0]
	for _, c := range summary.Conflicts {
		conflictsDetected.WithLabelValues(string(c.Type), string(c.Severity)).Inc()
		if c.Severity == model.SeverityCritical {
			summary.Critical = append(summary.Critical, c)
		}
	}

	req.Conflicts = summary.Counts()
	req.RevenueImpact = summary.TotalFinancialImpact
	req.ApprovalRequired, req.ApprovalReasons = o.policy.Evaluate(req.SalePrice, summary)
	req.ProcessedAt = &now
	if err := o.setStatus(ctx, req, model.StatusProcessing, actor, model.AuditTransitionStatus, "",
		map[string]any{"conflicts": summary.Total, "affected_customers": summary.AffectedCustomers}); err != nil {
		return nil, err
	}

	if req.ApprovalRequired {
		if err := o.setStatus(ctx, req, model.StatusAwaitingApproval, actor, model.AuditApprovalRequested,
			strings.Join(req.ApprovalReasons, "; "), map[string]any{"reasons": req.ApprovalReasons}); err != nil {
			return nil, err
		}
	}
	return &InitiateResult{Transition: req, Summary: summary}, nil
}

// Approve passes the approval gate of a request awaiting approval.
func (o *TransitionOrchestrator) Approve(ctx context.Context, id string, actor model.Actor, notes string) (*model.TransitionRequest, error) {
	if actor.ID == "" {
		return nil, model.ValidationErrorf("approver identity is required")
	}
	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.StatusAwaitingApproval {
		return nil, model.InvalidStateErrorf("transition %s is %s, not %s", id, req.Status, model.StatusAwaitingApproval)
	}

	now := o.clock.Now()
	req.ApprovedBy = actor.ID
	req.ApprovedAt = &now
	req.ApprovalNotes = notes
	err = o.setStatus(ctx, req, model.StatusApproved, actor, model.AuditApproved, "", map[string]any{"notes": notes})
	return req, err
}

// Reject ends a request awaiting approval.
func (o *TransitionOrchestrator) Reject(ctx context.Context, id string, actor model.Actor, reason string) (*model.TransitionRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, model.ValidationErrorf("a rejection reason is required")
	}
	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.StatusAwaitingApproval {
		return nil, model.InvalidStateErrorf("transition %s is %s, not %s", id, req.Status, model.StatusAwaitingApproval)
	}

	req.RejectionReason = reason
	err = o.setStatus(ctx, req, model.StatusRejected, actor, model.AuditRejected, reason, nil)
	return req, err
}

// Cancel abandons a request that has not mutated anything yet. Requests past
// PROCESSING must be rolled back instead.
func (o *TransitionOrchestrator) Cancel(ctx context.Context, id string, actor model.Actor, reason string) (*model.TransitionRequest, error) {
	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != model.StatusPending && req.Status != model.StatusAwaitingApproval {
		return nil, model.InvalidStateErrorf("transition %s is %s; only pending or awaiting-approval transitions can be cancelled, use rollback", id, req.Status)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by " + actor.ID
	}
	err = o.setStatus(ctx, req, model.StatusCancelled, actor, model.AuditCancelled, reason, nil)
	return req, err
}

// Progress counts the live state of a request's conflicts and notifications.
type Progress struct {
	Conflicts         int `json:"conflicts"`
	Resolved          int `json:"resolved"`
	Unresolved        int `json:"unresolved"`
	Resolutions       int `json:"resolutions"`
	FailedResolutions int `json:"failed_resolutions"`
	Notifications     int `json:"notifications"`
	AwaitingResponse  int `json:"awaiting_response"`
}

// StatusReport is everything known about a request.
type StatusReport struct {
	Transition    *model.TransitionRequest `json:"transition"`
	Progress      Progress                 `json:"progress"`
	Conflicts     []model.Conflict         `json:"conflicts"`
	Resolutions   []model.Resolution       `json:"resolutions"`
	Notifications []model.Notification     `json:"notifications"`
	Checkpoint    *CheckpointInfo          `json:"checkpoint,omitempty"`
}

// CheckpointInfo is checkpoint metadata without the snapshot.
type CheckpointInfo struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Restorable bool      `json:"restorable"`
}

// Status reports a request with its conflicts, resolutions and notifications.
func (o *TransitionOrchestrator) Status(ctx context.Context, id string) (*StatusReport, error) {
	req, err := o.store.GetTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	conflicts, err := o.store.ListConflicts(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	resolutions, err := o.store.ListResolutions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	notifications, err := o.store.ListNotifications(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	report := &StatusReport{
		Transition:    req,
		Conflicts:     conflicts,
		Resolutions:   resolutions,
		Notifications: notifications,
	}
	report.Progress.Conflicts = len(conflicts)
	for _, c := range conflicts {
		if c.Resolved {
			report.Progress.Resolved++
		}
	}
	report.Progress.Unresolved = report.Progress.Conflicts - report.Progress.Resolved
	report.Progress.Resolutions = len(resolutions)
	for _, r := range resolutions {
		if r.Status == model.ExecutionFailed {
			report.Progress.FailedResolutions++
		}
	}
	report.Progress.Notifications = len(notifications)
	for _, n := range notifications {
		if n.AwaitingResponse() {
			report.Progress.AwaitingResponse++
		}
	}

	if req.CheckpointID != "" {
		cp, err := o.checkpoints.Get(ctx, req.CheckpointID)
		switch {
		case err == nil:
			report.Checkpoint = &CheckpointInfo{
				ID:         cp.ID,
				CreatedAt:  cp.CreatedAt,
				ExpiresAt:  cp.ExpiresAt,
				Restorable: cp.Restorable(o.clock.Now()),
			}
		case errors.Is(err, model.ErrNotFound):
		default:
			o.logger.Warn("checkpoint lookup failed", zap.String("checkpoint_id", req.CheckpointID), zap.Error(err))
		}
	}
	return report, nil
}

// AuditTrail returns the audit entries of a request in append order.
func (o *TransitionOrchestrator) AuditTrail(ctx context.Context, id string) ([]model.AuditEntry, error) {
	if _, err := o.store.GetTransition(ctx, id); err != nil {
		return nil, err
	}
	return o.audit.Trail(ctx, id)
}

// RespondToNotification records a customer's answer.
func (o *TransitionOrchestrator) RespondToNotification(ctx context.Context, id, response string, actor model.Actor) (*model.Notification, error) {
	return o.dispatcher.RecordResponse(ctx, id, response, actor)
}

// Stats counts transitions by status.
func (o *TransitionOrchestrator) Stats(ctx context.Context) (map[model.TransitionStatus]int, error) {
	return o.store.CountTransitionsByStatus(ctx)
}

func (o *TransitionOrchestrator) validateSale(itemID string, price decimal.Decimal, effective *time.Time) error {
	if strings.TrimSpace(itemID) == "" {
		return model.ValidationErrorf("item id is required")
	}
	if !price.IsPositive() {
		return model.ValidationErrorf("sale price must be positive")
	}
	if effective != nil {
		now := o.clock.Now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if effective.Before(today) {
			return model.ValidationErrorf("effective date %s is in the past", effective.Format(time.DateOnly))
		}
	}
	return nil
}

// setStatus moves req to the next status, persists it and writes the one
// audit entry for the change.
func (o *TransitionOrchestrator) setStatus(
	ctx context.Context,
	req *model.TransitionRequest,
	to model.TransitionStatus,
	actor model.Actor,
	action string,
	reason string,
	detail map[string]any,
) error {
	from := req.Status
	if !from.CanTransitionTo(to) {
		return model.InvalidStateErrorf("transition %s cannot move from %s to %s", req.ID, from, to)
	}

	now := o.clock.Now()
	req.Status = to
	req.UpdatedAt = now
	if reason != "" {
		req.StatusReason = reason
	}
	if to == model.StatusCompleted {
		req.CompletedAt = &now
	}
	if err := o.store.UpdateTransition(ctx, req); err != nil {
		req.Status = from
		if errors.Is(err, model.ErrVersionConflict) {
			return model.ConflictErrorf("transition %s was modified concurrently", req.ID)
		}
		return fmt.Errorf("update transition: %w", err)
	}

	if detail == nil {
		detail = map[string]any{}
	}
	if reason != "" {
		detail["reason"] = reason
	}
	o.audit.Append(ctx, AuditRecord{
		RequestID: req.ID,
		Action:    action,
		Actor:     actor,
		From:      from,
		To:        to,
		Detail:    detail,
	})
	transitionsTotal.WithLabelValues(string(to)).Inc()
	o.logger.Info("transition status changed",
		zap.String("request_id", req.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actor.ID),
	)
	return nil
}

// save persists req without a status change.
func (o *TransitionOrchestrator) save(ctx context.Context, req *model.TransitionRequest) error {
	req.UpdatedAt = o.clock.Now()
	if err := o.store.UpdateTransition(ctx, req); err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			return model.ConflictErrorf("transition %s was modified concurrently", req.ID)
		}
		return fmt.Errorf("update transition: %w", err)
	}
	return nil
}

// claim marks a request busy in this process for the duration of a
// Confirm or Rollback.
func (o *TransitionOrchestrator) claim(id string) (func(), error) {
	if _, busy := o.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil, model.ConflictErrorf("transition %s is already being processed", id)
	}
	return func() { o.inflight.Delete(id) }, nil
}
