package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalhub-sale-api/internal/model"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// forEachStore runs fn against every backend that needs no external service.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		s, err := NewSQLStore(SQLConfig{Dialect: DialectSQLite, DSN: ":memory:"}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newTransition(id, item string) *model.TransitionRequest {
	return &model.TransitionRequest{
		ID:          id,
		ItemID:      item,
		RequestedBy: "user-1",
		Status:      model.StatusPending,
		SalePrice:   decimal.RequireFromString("1500.50"),
		Strategy:    model.ActionCancelBooking,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func TestTransitionMutualExclusion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		first := newTransition("t1", "item-1")
		require.NoError(t, s.CreateTransition(ctx, first))
		assert.Equal(t, int64(1), first.Version)

		err := s.CreateTransition(ctx, newTransition("t2", "item-1"))
		assert.ErrorIs(t, err, model.ErrConflict)

		active, err := s.FindActiveTransition(ctx, "item-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "t1", active.ID)
		assert.True(t, active.SalePrice.Equal(decimal.RequireFromString("1500.50")))

		first.Status = model.StatusCancelled
		first.StatusReason = "changed mind"
		require.NoError(t, s.UpdateTransition(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		active, err = s.FindActiveTransition(ctx, "item-1")
		require.NoError(t, err)
		assert.Nil(t, active, "a terminal request frees the item")
		require.NoError(t, s.CreateTransition(ctx, newTransition("t3", "item-1")))

		counts, err := s.CountTransitionsByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.StatusCancelled])
		assert.Equal(t, 1, counts[model.StatusPending])
	})
}

func TestTransitionOptimisticUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateTransition(ctx, newTransition("t1", "item-1")))

		a, err := s.GetTransition(ctx, "t1")
		require.NoError(t, err)
		b, err := s.GetTransition(ctx, "t1")
		require.NoError(t, err)

		a.Status = model.StatusProcessing
		require.NoError(t, s.UpdateTransition(ctx, a))

		b.Status = model.StatusCancelled
		assert.ErrorIs(t, s.UpdateTransition(ctx, b), model.ErrVersionConflict)

		got, err := s.GetTransition(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessing, got.Status)

		_, err = s.GetTransition(ctx, "missing")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	s, err := NewSQLStore(SQLConfig{Dialect: DialectSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(ctx context.Context) error {
		require.NoError(t, s.CreateTransition(ctx, newTransition("t1", "item-1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetTransition(ctx, "t1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestClaimsAndSnapshots(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateItem(ctx, &model.Item{ID: "item-1", LocationID: "loc-a",
			Status: model.ItemAvailable, UpdatedAt: t0}))
		for _, c := range []model.Claim{
			{ID: "b1", ItemID: "item-1", Kind: model.ClaimBooking, Status: model.ClaimConfirmed, CustomerID: "alice",
				StartAt: t0.Add(48 * time.Hour), EndAt: t0.Add(72 * time.Hour), Amount: decimal.NewFromInt(120), UpdatedAt: t0},
			{ID: "r1", ItemID: "item-1", Kind: model.ClaimRental, Status: model.ClaimActive, CustomerID: "bob",
				StartAt: t0.Add(-24 * time.Hour), EndAt: t0.Add(24 * time.Hour), Amount: decimal.NewFromInt(80), UpdatedAt: t0},
			{ID: "old", ItemID: "item-1", Kind: model.ClaimBooking, Status: model.ClaimCancelled,
				StartAt: t0.Add(-96 * time.Hour), EndAt: t0.Add(-72 * time.Hour), UpdatedAt: t0},
		} {
			require.NoError(t, s.CreateClaim(ctx, &c))
		}

		open, err := s.ListOpenClaims(ctx, "item-1")
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "r1", open[0].ID, "ordered by start")
		assert.Equal(t, "b1", open[1].ID)

		item, err := s.GetItem(ctx, "item-1")
		require.NoError(t, err)
		booking, err := s.GetClaim(ctx, "b1")
		require.NoError(t, err)
		snap := model.Snapshot{Item: *item, Claims: []model.Claim{*booking}}

		booking.Status = model.ClaimCancelled
		require.NoError(t, s.UpdateClaim(ctx, booking))
		stale := *booking
		stale.Version--
		assert.ErrorIs(t, s.UpdateClaim(ctx, &stale), model.ErrVersionConflict)

		item.Status = model.ItemSold
		require.NoError(t, s.UpdateItem(ctx, item))

		require.NoError(t, s.RestoreSnapshot(ctx, snap))

		restored, err := s.GetClaim(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.ClaimConfirmed, restored.Status)
		assert.Greater(t, restored.Version, booking.Version, "restores bump the version")
		assert.True(t, restored.Amount.Equal(decimal.NewFromInt(120)))
		assert.True(t, restored.StartAt.Equal(t0.Add(48*time.Hour)))

		gotItem, err := s.GetItem(ctx, "item-1")
		require.NoError(t, err)
		assert.Equal(t, model.ItemAvailable, gotItem.Status)
	})
}

func TestResolutionSequencePerConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, conflictID := range []string{"c1", "c1", "c2", "c1"} {
			r := &model.Resolution{
				ID:         "res-" + string(rune('a'+i)),
				ConflictID: conflictID,
				RequestID:  "t1",
				Action:     model.ActionCancelBooking,
				ExecutedBy: "user-1",
				Status:     model.ExecutionSuccess,
				ExecutedAt: t0,
			}
			require.NoError(t, s.AppendResolution(ctx, r))
		}

		list, err := s.ListResolutions(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, list, 4)
		var seqs []int
		for _, r := range list {
			seqs = append(seqs, r.Seq)
		}
		assert.Equal(t, []int{1, 2, 3, 1}, seqs)
		assert.Equal(t, "c2", list[3].ConflictID)
	})
}

func TestListOverdueNotifications(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		deadline := t0.Add(time.Hour)
		answered := t0.Add(10 * time.Minute)
		for _, n := range []model.Notification{
			{ID: "n1", RequestID: "t1", CustomerID: "alice", Kind: model.KindTransferOffered, Channel: model.ChannelEmail,
				Status: model.NotificationSent, ResponseRequired: true, ResponseDeadline: &deadline, CreatedAt: t0},
			{ID: "n2", RequestID: "t1", CustomerID: "bob", Kind: model.KindCompensation, Channel: model.ChannelSMS,
				Status: model.NotificationSent, ResponseRequired: true, ResponseDeadline: &deadline,
				Response: "yes", RespondedAt: &answered, CreatedAt: t0},
			{ID: "n3", RequestID: "t1", CustomerID: "carol", Kind: model.KindBookingCancelled, Channel: model.ChannelEmail,
				Status: model.NotificationSent, CreatedAt: t0},
			{ID: "n4", RequestID: "t1", CustomerID: "dave", Kind: model.KindTransferOffered, Channel: model.ChannelInApp,
				Status: model.NotificationRead, ResponseRequired: true, ResponseDeadline: &deadline,
				ReadAt: &answered, CreatedAt: t0},
		} {
			require.NoError(t, s.InsertNotification(ctx, &n))
		}

		overdue, err := s.ListOverdueNotifications(ctx, t0.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, overdue)

		overdue, err = s.ListOverdueNotifications(ctx, deadline)
		require.NoError(t, err)
		require.Len(t, overdue, 2, "read without an answer is still overdue")
		assert.Equal(t, "n1", overdue[0].ID)
		assert.Equal(t, "n4", overdue[1].ID)

		all, err := s.ListNotifications(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestAuditAppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i, action := range []string{model.AuditTransitionCreated, model.AuditCompleted} {
			require.NoError(t, s.AppendAudit(ctx, &model.AuditEntry{
				ID:        "a" + string(rune('1'+i)),
				RequestID: "t1",
				Action:    action,
				ActorID:   "user-1",
				ActorRole: "manager",
				Detail:    map[string]any{"n": "v"},
				CreatedAt: t0.Add(time.Duration(i) * time.Second),
			}))
		}
		entries, err := s.ListAudit(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, model.AuditTransitionCreated, entries[0].Action)
		assert.Equal(t, "v", entries[1].Detail["n"])
	})
}
