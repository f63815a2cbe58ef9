package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentalhub-sale-api/internal/model"
)

func notifyInput(deadline time.Duration) NotifyInput {
	in := NotifyInput{
		RequestID:  "req-1",
		ConflictID: "conf-1",
		CustomerID: "alice",
		Kind:       model.KindTransferOffered,
		Payload:    map[string]string{"claim_id": "b1"},
	}
	if deadline > 0 {
		at := now.Add(deadline)
		in.ResponseRequired = true
		in.Deadline = &at
	}
	return in
}

func TestNotificationDispatcher_Notify(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	n, err := env.dispatcher.Notify(context.Background(), notifyInput(0))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, n.Status)
	assert.Equal(t, model.ChannelEmail, n.Channel)
	require.NotNil(t, n.SentAt)
	assert.Len(t, env.channel.Sent(), 1)

	stored, err := env.memory.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, stored.Status)
	assert.Equal(t, []string{model.AuditNotificationSent}, env.auditActions(t, "req-1"))
}

func TestNotificationDispatcher_ChannelFailureDoesNotFail(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.channel.err = errors.New("smtp down")

	n, err := env.dispatcher.Notify(context.Background(), notifyInput(0))
	require.NoError(t, err)
	assert.Equal(t, model.NotificationFailed, n.Status)
	assert.Nil(t, n.SentAt)
}

func TestNotificationDispatcher_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	in := notifyInput(0)
	in.CustomerID = ""
	_, err := env.dispatcher.Notify(ctx, in)
	assert.ErrorIs(t, err, model.ErrValidation)

	in = notifyInput(0)
	in.ResponseRequired = true
	_, err = env.dispatcher.Notify(ctx, in)
	assert.ErrorIs(t, err, model.ErrValidation, "a required response needs a deadline")

	in = notifyInput(0)
	in.Channel = "PIGEON"
	_, err = env.dispatcher.Notify(ctx, in)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestNotificationDispatcher_DeliveryCallbacks(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.dispatcher.Notify(ctx, notifyInput(0))
	require.NoError(t, err)

	delivered, err := env.dispatcher.MarkDelivered(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationDelivered, delivered.Status)
	require.NotNil(t, delivered.DeliveredAt)

	read, err := env.dispatcher.MarkRead(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationRead, read.Status)
	require.NotNil(t, read.ReadAt)

	again, err := env.dispatcher.MarkDelivered(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationRead, again.Status, "read is final")

	_, err = env.dispatcher.MarkRead(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestNotificationDispatcher_AwaitResponse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.dispatcher.Notify(ctx, notifyInput(10*time.Second))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = env.dispatcher.RecordResponse(ctx, n.ID, "accept", model.Actor{ID: "alice", Role: "customer"})
	}()

	started := time.Now()
	outcome, got, err := env.dispatcher.Await(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeResponded, outcome)
	assert.Equal(t, "accept", got.Response)
	assert.Less(t, time.Since(started), 5*time.Second)

	_, err = env.dispatcher.RecordResponse(ctx, n.ID, "decline", model.Actor{ID: "alice"})
	assert.ErrorIs(t, err, model.ErrConflict, "only the first answer counts")
}

func TestNotificationDispatcher_AwaitExpires(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	n, err := env.dispatcher.Notify(ctx, notifyInput(time.Second))
	require.NoError(t, err)

	started := time.Now()
	outcome, got, err := env.dispatcher.Await(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoResponse, outcome)
	assert.Equal(t, model.NotificationExpired, got.Status)
	assert.GreaterOrEqual(t, time.Since(started), 900*time.Millisecond)
	assert.Less(t, time.Since(started), 5*time.Second)

	_, err = env.dispatcher.RecordResponse(ctx, n.ID, "too late", model.Actor{ID: "alice"})
	assert.ErrorIs(t, err, model.ErrBusinessRule)
	assert.Equal(t, 1, countOf(env.auditActions(t, "req-1"), model.AuditNotificationExpired))
}

func TestNotificationDispatcher_ReadWithoutAnswerExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("await", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		n, err := env.dispatcher.Notify(ctx, notifyInput(200*time.Millisecond))
		require.NoError(t, err)
		_, err = env.dispatcher.MarkRead(ctx, n.ID)
		require.NoError(t, err)

		outcome, got, err := env.dispatcher.Await(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoResponse, outcome)
		assert.Equal(t, model.NotificationExpired, got.Status)
		assert.NotNil(t, got.ReadAt)
	})

	t.Run("sweeper", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		n, err := env.dispatcher.Notify(ctx, notifyInput(time.Minute))
		require.NoError(t, err)
		_, err = env.dispatcher.MarkRead(ctx, n.ID)
		require.NoError(t, err)

		env.clock.Advance(2 * time.Minute)
		expired, err := env.dispatcher.ExpireOverdue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, expired)

		got, err := env.memory.GetNotification(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, model.NotificationExpired, got.Status)
	})
}

func TestNotificationDispatcher_AwaitNotRequired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	n, err := env.dispatcher.Notify(context.Background(), notifyInput(0))
	require.NoError(t, err)

	outcome, _, err := env.dispatcher.Await(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotRequired, outcome)
}

func TestNotificationDispatcher_AwaitContextCancelled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	n, err := env.dispatcher.Notify(context.Background(), notifyInput(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = env.dispatcher.Await(ctx, n.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpirySweeper_ExpiresOverdue(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	overdue, err := env.dispatcher.Notify(ctx, notifyInput(time.Minute))
	require.NoError(t, err)
	fresh, err := env.dispatcher.Notify(ctx, notifyInput(time.Hour))
	require.NoError(t, err)

	sweeper := NewExpirySweeper(env.dispatcher, SweeperConfig{}, nil)
	defer sweeper.Stop()

	expired, err := sweeper.RunNow()
	require.NoError(t, err)
	assert.Zero(t, expired)

	env.clock.Advance(2 * time.Minute)
	expired, err = sweeper.RunNow()
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := env.memory.GetNotification(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationExpired, got.Status)
	got, err = env.memory.GetNotification(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationSent, got.Status)
}
