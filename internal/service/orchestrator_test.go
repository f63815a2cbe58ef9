package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/repository"
)

func TestScenarioA_WaitForReturn(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -2 * day, end: 10 * day, amount: "450"})

	res := initiate(t, env, "item-1", "20000", model.ActionWaitForReturn)
	id := res.Transition.ID
	require.Equal(t, model.StatusAwaitingApproval, res.Transition.Status, "an active rental is critical")

	_, err := env.orch.Approve(ctx, id, approver, "ok to wait")
	require.NoError(t, err)

	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, confirmed.Transition.Status)
	assert.Equal(t, 1, confirmed.Unresolved)
	require.Len(t, confirmed.Resolutions, 1)
	assert.Equal(t, model.ExecutionPending, confirmed.Resolutions[0].Status)
	assert.Equal(t, model.ItemAvailable, env.item(t, "item-1").Status)

	report, err := env.orch.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Progress.Unresolved)
	require.NotNil(t, report.Checkpoint)
	assert.True(t, report.Checkpoint.Restorable)

	returned, err := env.orch.HandleReturn(ctx, "r1", requester)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimCompleted, returned.Claim.Status)
	require.Len(t, returned.Transitions, 1)
	assert.Equal(t, model.StatusCompleted, returned.Transitions[0].Status)
	assert.Equal(t, model.ItemSold, env.item(t, "item-1").Status)

	got, err := env.memory.GetTransition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	_, err = env.orch.Rollback(ctx, id, approver, RollbackInput{Reason: "too late"})
	assert.ErrorIs(t, err, model.ErrRollbackUnavailable)
}

func TestPostponeSale_CompletesAfterBookingEnds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "bob", start: 20 * day, end: 22 * day, amount: "300"})

	res := initiate(t, env, "item-1", "20000", model.ActionPostponeSale)
	id := res.Transition.ID
	require.Equal(t, model.StatusProcessing, res.Transition.Status)
	require.Nil(t, res.Transition.EffectiveDate)

	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, confirmed.Transition.Status)
	assert.Equal(t, 1, confirmed.Unresolved)
	assert.Equal(t, model.ClaimConfirmed, env.claim(t, "b1").Status, "the booking is honoured")
	assert.Empty(t, env.channel.Sent())

	got, err := env.memory.GetTransition(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.EffectiveDate)
	assert.True(t, now.Add(22*day).Equal(*got.EffectiveDate), "sale moves past the booking")

	returned, err := env.orch.HandleReturn(ctx, "b1", requester)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimCompleted, returned.Claim.Status)
	require.Len(t, returned.Transitions, 1)
	assert.Equal(t, model.StatusCompleted, returned.Transitions[0].Status)
	assert.Equal(t, model.ItemSold, env.item(t, "item-1").Status)
}

func TestScenarioB_CancelPendingBookings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
		customer: "alice", start: 3 * day, end: 5 * day, amount: "100"})
	env.seedClaim(t, claimSpec{id: "b2", item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
		customer: "bob", start: 6 * day, end: 8 * day, amount: "120"})

	res := initiate(t, env, "item-1", "20000", model.ActionCancelBooking)
	require.Equal(t, model.StatusProcessing, res.Transition.Status)
	assert.False(t, res.Transition.ApprovalRequired)
	assert.Equal(t, 2, res.Transition.Conflicts.Total)

	confirmed, err := env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	assert.Len(t, confirmed.Resolutions, 2)
	assert.Len(t, confirmed.Notifications, 2)
	assert.Zero(t, confirmed.Unresolved)

	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b1").Status)
	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b2").Status)
	assert.Equal(t, model.ItemSold, env.item(t, "item-1").Status)

	report, err := env.orch.Status(ctx, res.Transition.ID)
	require.NoError(t, err)
	assert.Len(t, report.Resolutions, 2)
	assert.Len(t, report.Notifications, 2)
	for _, n := range report.Notifications {
		assert.Equal(t, model.NotificationSent, n.Status)
		assert.Equal(t, model.KindBookingCancelled, n.Kind)
	}
	assert.Equal(t, 2, report.Progress.Resolved)
	assert.Len(t, env.channel.Sent(), 2)

	actions := env.auditActions(t, res.Transition.ID)
	assert.Equal(t, model.AuditTransitionCreated, actions[0])
	assert.Equal(t, 1, countOf(actions, model.AuditCompleted))
	assert.Equal(t, 2, countOf(actions, model.AuditResolutionExecuted))
}

func TestScenarioC_ApprovalGate(t *testing.T) {
	t.Parallel()
	threshold := decimal.NewFromInt(500000)
	maxCustomers := 5
	maxImpact := decimal.NewFromInt(1000)
	env := newTestEnv(t, withPolicy(ApprovalPolicy{
		HighValueThreshold:   &threshold,
		MaxAffectedCustomers: &maxCustomers,
		MaxFinancialImpact:   &maxImpact,
	}))
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "alice", start: day, end: 8 * day, amount: "4800"})

	res := initiate(t, env, "item-1", "20000", model.ActionCancelBooking)
	id := res.Transition.ID
	assert.True(t, res.Transition.ApprovalRequired)
	assert.Equal(t, model.StatusAwaitingApproval, res.Transition.Status)
	require.Len(t, res.Transition.ApprovalReasons, 1)
	assert.Contains(t, res.Transition.ApprovalReasons[0], "financial impact")
	assert.Equal(t, model.SeverityHigh, res.Summary.Conflicts[0].Severity)

	_, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.ErrorIs(t, err, model.ErrInvalidState)
	assert.ErrorIs(t, err, model.ErrBusinessRule)
	assert.Equal(t, model.ClaimConfirmed, env.claim(t, "b1").Status)

	approved, err := env.orch.Approve(ctx, id, approver, "customer compensated offline")
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, approved.Status)
	assert.Equal(t, approver.ID, approved.ApprovedBy)

	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b1").Status)
}

func TestScenarioD_FailureRollsBack(t *testing.T) {
	t.Parallel()
	var failing *failingClaimStore
	env := newTestEnv(t, withStore(func(mem *repository.MemoryStore) repository.Store {
		failing = &failingClaimStore{MemoryStore: mem, failN: 2}
		return failing
	}))
	ctx := context.Background()
	env.seedItem(t, "item-1")
	for i, id := range []string{"b1", "b2", "b3"} {
		env.seedClaim(t, claimSpec{id: id, item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
			customer: "cust-" + id, start: time.Duration(i+2) * day, end: time.Duration(i+3) * day, amount: "50"})
	}

	res := initiate(t, env, "item-1", "20000", model.ActionCancelBooking)
	id := res.Transition.ID
	require.Equal(t, model.StatusProcessing, res.Transition.Status)

	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.ErrorIs(t, err, errDiskFull)
	require.NotNil(t, confirmed)
	assert.Equal(t, model.StatusRolledBack, confirmed.Transition.Status)

	assert.Equal(t, model.ClaimPending, env.claim(t, "b1").Status, "first cancellation undone")
	assert.Equal(t, model.ClaimPending, env.claim(t, "b2").Status)
	assert.Equal(t, model.ClaimPending, env.claim(t, "b3").Status)
	assert.Equal(t, model.ItemAvailable, env.item(t, "item-1").Status)

	got, err := env.memory.GetTransition(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRolledBack, got.Status)
	assert.NotEmpty(t, got.StatusReason)

	actions := env.auditActions(t, id)
	assert.Equal(t, 1, countOf(actions, model.AuditResolutionFailed))
	assert.Equal(t, 1, countOf(actions, model.AuditRolledBack))

	resolutions, err := env.memory.ListResolutions(ctx, id)
	require.NoError(t, err)
	require.Len(t, resolutions, 2, "the third conflict is never attempted")

	kinds := map[string][]string{}
	for _, n := range env.channel.Sent() {
		kinds[n.CustomerID] = append(kinds[n.CustomerID], string(n.Kind))
	}
	assert.Equal(t, 1, countOf(kinds["cust-b1"], string(model.KindBookingCancelled)))
	assert.Equal(t, 1, countOf(kinds["cust-b1"], string(model.KindBookingReinstated)),
		"the customer whose cancellation was undone hears about it")
	assert.Empty(t, kinds["cust-b2"], "the failed cancellation never reached the customer")
	assert.Empty(t, kinds["cust-b3"])

	_, err = env.orch.Rollback(ctx, id, approver, RollbackInput{Reason: "again"})
	assert.ErrorIs(t, err, model.ErrRollbackUnavailable)
}

func TestScenarioE_ResponseDeadline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedItem(t, "item-2")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "alice", start: 10 * day, end: 12 * day, amount: "200"})

	res := initiate(t, env, "item-1", "20000", model.ActionCancelBooking)
	require.Equal(t, model.StatusProcessing, res.Transition.Status)
	conflictID := res.Summary.Conflicts[0].ID

	started := time.Now()
	confirmed, err := env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{
		Overrides: map[string]Override{
			conflictID: {Action: model.ActionTransferToAlternative, AlternativeItemID: "item-2"},
		},
		ResponseTimeout: time.Second,
	})
	require.NoError(t, err)
	elapsed := time.Since(started)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 10*time.Second, "the wait is bounded")

	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	require.Len(t, confirmed.Notifications, 1)
	n := confirmed.Notifications[0]
	assert.Equal(t, OutcomeNoResponse, confirmed.Outcomes[n.ID])

	stored, err := env.memory.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationExpired, stored.Status)

	resolutions, err := env.memory.ListResolutions(ctx, res.Transition.ID)
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	assert.Equal(t, model.ActionTransferToAlternative, resolutions[1].Action)
	assert.Equal(t, 2, resolutions[1].Seq)
	assert.Equal(t, "no response before deadline", resolutions[1].Notes)
	assert.Equal(t, "item-2", env.claim(t, "b1").ItemID)
}

func TestResponseRecordedDuringConfirm(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "alice", start: 10 * day, end: 12 * day, amount: "200"})
	res := initiate(t, env, "item-1", "20000", model.ActionCancelBooking)
	conflictID := res.Summary.Conflicts[0].ID

	go func() {
		for range 200 {
			time.Sleep(10 * time.Millisecond)
			notes, _ := env.memory.ListNotifications(ctx, res.Transition.ID)
			for _, n := range notes {
				if n.Kind == model.KindCompensation {
					_, _ = env.orch.RespondToNotification(ctx, n.ID, "accepted", model.Actor{ID: "alice", Role: "customer"})
					return
				}
			}
		}
	}()

	confirmed, err := env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{
		Overrides: map[string]Override{
			conflictID: {
				Action:             model.ActionCancelBooking,
				CompensationAmount: decimal.NewNullDecimal(decimal.NewFromInt(75)),
			},
		},
		ResponseTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)

	resolutions, err := env.memory.ListResolutions(ctx, res.Transition.ID)
	require.NoError(t, err)
	require.Len(t, resolutions, 3)
	assert.Equal(t, model.ActionCancelBooking, resolutions[0].Action)
	assert.Equal(t, model.ActionOfferCompensation, resolutions[1].Action)
	assert.True(t, resolutions[1].CompensationAmount.Decimal.Equal(decimal.NewFromInt(75)))
	assert.Equal(t, "accepted", resolutions[2].CustomerResponse)
}

func TestInitiate_MutualExclusion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedItem(t, "item-1")

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.Initiate(context.Background(), requester, InitiateInput{
				ItemID:    "item-1",
				SalePrice: decimal.NewFromInt(1000),
				Strategy:  model.ActionCancelBooking,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case assert.ErrorIs(t, err, model.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, conflicts)
	counts, err := env.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusProcessing])
}

func TestInitiate_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedItem(t, "item-1")
	require.NoError(t, env.memory.CreateItem(context.Background(), &model.Item{ID: "sold", LocationID: "loc-a", Status: model.ItemSold}))
	past := now.Add(-3 * day)

	tests := []struct {
		name    string
		in      InitiateInput
		wantErr error
	}{
		{"missing item id", InitiateInput{SalePrice: decimal.NewFromInt(1), Strategy: model.ActionCancelBooking}, model.ErrValidation},
		{"zero price", InitiateInput{ItemID: "item-1", Strategy: model.ActionCancelBooking}, model.ErrValidation},
		{"unknown strategy", InitiateInput{ItemID: "item-1", SalePrice: decimal.NewFromInt(1), Strategy: "BARTER"}, model.ErrValidation},
		{"past date", InitiateInput{ItemID: "item-1", SalePrice: decimal.NewFromInt(1), Strategy: model.ActionCancelBooking, EffectiveDate: &past}, model.ErrValidation},
		{"unknown item", InitiateInput{ItemID: "ghost", SalePrice: decimal.NewFromInt(1), Strategy: model.ActionCancelBooking}, model.ErrNotFound},
		{"sold item", InitiateInput{ItemID: "sold", SalePrice: decimal.NewFromInt(1), Strategy: model.ActionCancelBooking}, model.ErrBusinessRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.orch.Initiate(context.Background(), requester, tt.in)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	counts, err := env.orch.Stats(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "rejected before any state change")
}

func TestCheckEligibility(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})

	report, err := env.orch.CheckEligibility(ctx, EligibilityInput{ItemID: "item-1", SalePrice: decimal.NewFromInt(600000)})
	require.NoError(t, err)
	assert.True(t, report.Eligible)
	assert.True(t, report.ApprovalRequired)
	assert.Len(t, report.ApprovalReasons, 2)
	assert.Equal(t, 1, report.Summary.Total)

	counts, err := env.orch.Stats(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	res := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	report, err = env.orch.CheckEligibility(ctx, EligibilityInput{ItemID: "item-1", SalePrice: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.False(t, report.Eligible)
	assert.Equal(t, res.Transition.ID, report.ActiveTransitionID)
}

func TestApproveRejectCancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	id := res.Transition.ID

	_, err := env.orch.Reject(ctx, id, approver, " ")
	assert.ErrorIs(t, err, model.ErrValidation)

	rejected, err := env.orch.Reject(ctx, id, approver, "rental too long")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, rejected.Status)
	assert.Equal(t, "rental too long", rejected.RejectionReason)

	_, err = env.orch.Approve(ctx, id, approver, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = env.orch.Cancel(ctx, id, requester, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	// the item is free again once the request is terminal
	second := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	cancelled, err := env.orch.Cancel(ctx, second.Transition.ID, requester, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, "buyer withdrew", cancelled.StatusReason)

	third := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	_, err = env.orch.Approve(ctx, third.Transition.ID, approver, "")
	require.NoError(t, err)
	_, err = env.orch.Confirm(ctx, third.Transition.ID, requester, ConfirmInput{})
	require.NoError(t, err)
	_, err = env.orch.Cancel(ctx, third.Transition.ID, requester, "")
	assert.ErrorIs(t, err, model.ErrInvalidState, "processing requests are rolled back, not cancelled")

	trail, err := env.orch.AuditTrail(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	last := trail[len(trail)-1]
	assert.Equal(t, model.AuditRejected, last.Action)
	assert.Equal(t, model.StatusAwaitingApproval, last.FromStatus)
	assert.Equal(t, model.StatusRejected, last.ToStatus)
	assert.Equal(t, approver.ID, last.ActorID)
}

func TestForceSale_CriticalNeedsElevation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	id := res.Transition.ID
	conflictID := res.Summary.Conflicts[0].ID
	_, err := env.orch.Approve(ctx, id, approver, "")
	require.NoError(t, err)

	force := ConfirmInput{Overrides: map[string]Override{conflictID: {Action: model.ActionForceSale}}}
	_, err = env.orch.Confirm(ctx, id, requester, force)
	require.ErrorIs(t, err, model.ErrBusinessRule)

	report, err := env.orch.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, report.Transition.Status, "recoverable failures return to processing")
	assert.False(t, report.Conflicts[0].Resolved)
	assert.Equal(t, 1, report.Progress.FailedResolutions)
	assert.Equal(t, 1, countOf(env.auditActions(t, id), model.AuditRestored))

	confirmed, err := env.orch.Confirm(ctx, id, approver, force)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	assert.Equal(t, model.ClaimActive, env.claim(t, "r1").Status)
	assert.Equal(t, 1, countOf(env.auditActions(t, id), model.AuditForceSale))
}

func TestConfirm_RecoverableFailureRestoresEarlierActions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
		customer: "alice", start: 2 * day, end: 3 * day})
	env.seedClaim(t, claimSpec{id: "b2", item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
		customer: "bob", start: 4 * day, end: 5 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionCancelBooking)
	id := res.Transition.ID
	var b2Conflict string
	for _, c := range res.Summary.Conflicts {
		if c.EntityID == "b2" {
			b2Conflict = c.ID
		}
	}

	_, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{
		Overrides: map[string]Override{b2Conflict: {Action: model.ActionTransferToAlternative}},
	})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, model.ClaimPending, env.claim(t, "b1").Status)

	report, err := env.orch.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, report.Transition.Status)
	assert.Zero(t, report.Progress.Resolved)

	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b1").Status)
	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b2").Status)
}

func TestConfirm_ForceNonCriticalAndConcurrency(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, withOrchestratorOptions(WithResolutionConcurrency(4)))
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "m1", item: "item-1", kind: model.ClaimMaintenance, status: model.ClaimConfirmed,
		start: -day, end: day})
	for i, id := range []string{"b1", "b2", "b3"} {
		env.seedClaim(t, claimSpec{id: id, item: "item-1", kind: model.ClaimBooking, status: model.ClaimPending,
			customer: "cust-" + id, start: time.Duration(i+2) * day, end: time.Duration(i+3) * day})
	}

	res := initiate(t, env, "item-1", "1000", model.ActionCancelBooking)
	confirmed, err := env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{ForceNonCritical: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, confirmed.Transition.Status)
	assert.Len(t, confirmed.Resolutions, 4)
	for _, r := range confirmed.Resolutions {
		assert.Equal(t, model.ActionForceSale, r.Action)
	}
	assert.Equal(t, model.ClaimPending, env.claim(t, "b1").Status, "forcing leaves the ledger alone")
}

func TestConfirm_UnknownOverride(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.seedItem(t, "item-1")
	res := initiate(t, env, "item-1", "1000", model.ActionCancelBooking)

	_, err := env.orch.Confirm(context.Background(), res.Transition.ID, requester, ConfirmInput{
		Overrides: map[string]Override{"nope": {Action: model.ActionCancelBooking}},
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	got, err := env.memory.GetTransition(context.Background(), res.Transition.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CheckpointID, "rejected before the checkpoint")
}

func TestRollback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "bob", start: 5 * day, end: 7 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionCancelBooking)
	id := res.Transition.ID

	_, err := env.orch.Rollback(ctx, id, approver, RollbackInput{})
	assert.ErrorIs(t, err, model.ErrRollbackUnavailable, "nothing was checkpointed yet")

	_, err = env.orch.Approve(ctx, id, approver, "")
	require.NoError(t, err)
	confirmed, err := env.orch.Confirm(ctx, id, requester, ConfirmInput{})
	require.NoError(t, err)
	require.Equal(t, model.StatusProcessing, confirmed.Transition.Status, "rental still out")
	require.Equal(t, model.ClaimCancelled, env.claim(t, "b1").Status)
	sentBefore := len(env.channel.Sent())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		results   []*RollbackResult
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.orch.Rollback(ctx, id, approver, RollbackInput{Reason: "buyer withdrew", RestoreBookings: true})
			if err != nil {
				assert.Nil(t, out)
				return
			}
			mu.Lock()
			successes++
			results = append(results, out)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, successes)

	out := results[0]
	assert.Equal(t, model.StatusRolledBack, out.Transition.Status)
	assert.Equal(t, 1, out.ReinstatedClaims)
	assert.Equal(t, 1, out.Notified)
	assert.Equal(t, model.ClaimConfirmed, env.claim(t, "b1").Status)
	assert.Equal(t, model.ClaimActive, env.claim(t, "r1").Status)
	assert.Equal(t, model.ItemAvailable, env.item(t, "item-1").Status)

	sent := env.channel.Sent()
	require.Len(t, sent, sentBefore+1)
	assert.Equal(t, model.KindBookingReinstated, sent[len(sent)-1].Kind)

	_, err = env.orch.Rollback(ctx, id, approver, RollbackInput{Reason: "again"})
	assert.ErrorIs(t, err, model.ErrRollbackUnavailable)
	assert.Equal(t, 1, countOf(env.auditActions(t, id), model.AuditRolledBack))
}

func TestRollback_KeepCancelledBookings(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})
	env.seedClaim(t, claimSpec{id: "b1", item: "item-1", kind: model.ClaimBooking, status: model.ClaimConfirmed,
		customer: "bob", start: 5 * day, end: 7 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionCancelBooking)
	_, err := env.orch.Approve(ctx, res.Transition.ID, approver, "")
	require.NoError(t, err)
	_, err = env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{})
	require.NoError(t, err)

	out, err := env.orch.Rollback(ctx, res.Transition.ID, approver, RollbackInput{Reason: "price dispute"})
	require.NoError(t, err)
	assert.Zero(t, out.ReinstatedClaims)
	assert.Equal(t, model.ClaimCancelled, env.claim(t, "b1").Status)
	assert.Equal(t, "price dispute", out.Transition.StatusReason)
}

func TestRollback_ExpiredCheckpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedItem(t, "item-1")
	env.seedClaim(t, claimSpec{id: "r1", item: "item-1", kind: model.ClaimRental, status: model.ClaimActive,
		customer: "alice", start: -day, end: 3 * day})

	res := initiate(t, env, "item-1", "1000", model.ActionWaitForReturn)
	_, err := env.orch.Approve(ctx, res.Transition.ID, approver, "")
	require.NoError(t, err)
	_, err = env.orch.Confirm(ctx, res.Transition.ID, requester, ConfirmInput{})
	require.NoError(t, err)

	env.clock.Advance(25 * time.Hour)
	_, err = env.orch.Rollback(ctx, res.Transition.ID, approver, RollbackInput{})
	require.ErrorIs(t, err, model.ErrRollbackUnavailable)

	got, err := env.memory.GetTransition(ctx, res.Transition.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status, "state is unchanged")
}
