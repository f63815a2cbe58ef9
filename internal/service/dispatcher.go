package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/internal/notify"
	"rentalhub-sale-api/internal/repository"
	"rentalhub-sale-api/pkg/uid"
)

// ResponseOutcome is how a wait for a customer response ended.
type ResponseOutcome string

const (
	OutcomeResponded   ResponseOutcome = "RESPONDED"
	OutcomeNoResponse  ResponseOutcome = "NO_RESPONSE"
	OutcomeNotRequired ResponseOutcome = "NOT_REQUIRED"
)

// Notifier sends customer notifications on behalf of resolutions.
type Notifier interface {
	Notify(ctx context.Context, in NotifyInput) (*model.Notification, error)
}

// NotifyInput describes one notification to send.
type NotifyInput struct {
	RequestID        string
	ConflictID       string
	CustomerID       string
	Kind             model.NotificationKind
	Channel          model.Channel
	Payload          map[string]string
	ResponseRequired bool
	// Deadline is mandatory when a response is required.
	Deadline *time.Time
}

// NotificationDispatcher sends notifications through a channel, tracks their
// delivery and waits, bounded by a deadline, for customer responses.
type NotificationDispatcher struct {
	repo           repository.TransitionRepository
	channel        notify.Channel
	audit          *AuditLogger
	clock          clock.Clock
	logger         *zap.Logger
	defaultChannel model.Channel
	pollInterval   time.Duration

	// serializes read-modify-write of notification state in this process
	updateMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}
}

// DispatcherOption configures a NotificationDispatcher.
type DispatcherOption func(*NotificationDispatcher)

// WithDefaultChannel sets the channel used when a caller names none.
func WithDefaultChannel(ch model.Channel) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if ch.Valid() {
			d.defaultChannel = ch
		}
	}
}

// WithPollInterval sets how often waits re-read the store, which picks up
// responses recorded by other instances.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *NotificationDispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

func NewNotificationDispatcher(
	repo repository.TransitionRepository,
	channel notify.Channel,
	audit *AuditLogger,
	clk clock.Clock,
	logger *zap.Logger,
	opts ...DispatcherOption,
) *NotificationDispatcher {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &NotificationDispatcher{
		repo:           repo,
		channel:        channel,
		audit:          audit,
		clock:          clk,
		logger:         logger.Named("dispatcher"),
		defaultChannel: model.ChannelEmail,
		pollInterval:   time.Second,
		waiters:        make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify stores and sends a notification. A channel failure marks the
// notification FAILED but is not returned as an error: notifications never
// block a transition.
func (d *NotificationDispatcher) Notify(ctx context.Context, in NotifyInput) (*model.Notification, error) {
	if in.CustomerID == "" {
		return nil, model.ValidationErrorf("notification needs a customer")
	}
	if in.ResponseRequired && in.Deadline == nil {
		return nil, model.ValidationErrorf("a response deadline is required when a response is expected")
	}
	channel := in.Channel
	if channel == "" {
		channel = d.defaultChannel
	}
	if !channel.Valid() {
		return nil, model.ValidationErrorf("unknown channel %q", channel)
	}

	now := d.clock.Now()
	n := &model.Notification{
		ID:               uid.New(),
		RequestID:        in.RequestID,
		ConflictID:       in.ConflictID,
		CustomerID:       in.CustomerID,
		Kind:             in.Kind,
		Channel:          channel,
		Status:           model.NotificationPending,
		Payload:          in.Payload,
		ResponseRequired: in.ResponseRequired,
		ResponseDeadline: in.Deadline,
		CreatedAt:        now,
	}
	if n.Payload == nil {
		n.Payload = map[string]string{}
	}
	if err := d.repo.InsertNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("store notification: %w", err)
	}

	detail := map[string]any{
		"notification_id": n.ID,
		"customer_id":     n.CustomerID,
		"kind":            string(n.Kind),
		"channel":         string(n.Channel),
	}
	if err := d.channel.Send(ctx, n); err != nil {
		d.logger.Warn("notification send failed",
			zap.String("notification_id", n.ID), zap.String("customer_id", n.CustomerID), zap.Error(err))
		n.Status = model.NotificationFailed
		detail["error"] = err.Error()
	} else {
		n.Status = model.NotificationSent
		n.SentAt = &now
	}
	if err := d.repo.UpdateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("update notification: %w", err)
	}

	detail["status"] = string(n.Status)
	d.audit.Append(ctx, AuditRecord{
		RequestID: n.RequestID,
		Action:    model.AuditNotificationSent,
		Actor:     model.SystemActor,
		Detail:    detail,
	})
	notificationsTotal.WithLabelValues(string(n.Kind), string(n.Status)).Inc()
	return n, nil
}

// RecordResponse stores a customer's answer and wakes any waiter.
func (d *NotificationDispatcher) RecordResponse(ctx context.Context, id, response string, actor model.Actor) (*model.Notification, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, model.ValidationErrorf("response is required")
	}

	d.updateMu.Lock()
	n, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		d.updateMu.Unlock()
		return nil, err
	}
	if n.Responded() {
		d.updateMu.Unlock()
		return nil, model.ConflictErrorf("notification %s already has a response", id)
	}
	if n.Status == model.NotificationExpired {
		d.updateMu.Unlock()
		return nil, model.BusinessRuleErrorf("notification %s expired before a response was recorded", id)
	}

	now := d.clock.Now()
	n.Response = response
	n.RespondedAt = &now
	n.Status = model.NotificationRead
	if n.ReadAt == nil {
		n.ReadAt = &now
	}
	err = d.repo.UpdateNotification(ctx, n)
	d.updateMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update notification: %w", err)
	}

	d.wake(id)
	d.audit.Append(ctx, AuditRecord{
		RequestID: n.RequestID,
		Action:    model.AuditNotificationUpdated,
		Actor:     actor,
		Detail: map[string]any{
			"notification_id": n.ID,
			"status":          string(n.Status),
			"response":        response,
		},
	})
	notificationsTotal.WithLabelValues(string(n.Kind), "RESPONDED").Inc()
	return n, nil
}

// MarkDelivered is the channel's delivery callback.
func (d *NotificationDispatcher) MarkDelivered(ctx context.Context, id string) (*model.Notification, error) {
	return d.advance(ctx, id, model.NotificationDelivered)
}

// MarkRead is the channel's read-receipt callback.
func (d *NotificationDispatcher) MarkRead(ctx context.Context, id string) (*model.Notification, error) {
	return d.advance(ctx, id, model.NotificationRead)
}

func (d *NotificationDispatcher) advance(ctx context.Context, id string, to model.NotificationStatus) (*model.Notification, error) {
	d.updateMu.Lock()
	defer d.updateMu.Unlock()

	n, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status.Final() || (to == model.NotificationDelivered && n.Status == model.NotificationDelivered) {
		return n, nil
	}

	now := d.clock.Now()
	switch to {
	case model.NotificationDelivered:
		n.DeliveredAt = &now
	case model.NotificationRead:
		if n.DeliveredAt == nil {
			n.DeliveredAt = &now
		}
		n.ReadAt = &now
	}
	from := n.Status
	n.Status = to
	if err := d.repo.UpdateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("update notification: %w", err)
	}

	d.audit.Append(ctx, AuditRecord{
		RequestID: n.RequestID,
		Action:    model.AuditNotificationUpdated,
		Actor:     model.SystemActor,
		Detail: map[string]any{
			"notification_id": n.ID,
			"from":            string(from),
			"status":          string(to),
		},
	})
	notificationsTotal.WithLabelValues(string(n.Kind), string(to)).Inc()
	return n, nil
}

// Await blocks until the customer responds or the response deadline passes.
// A missed deadline marks the notification EXPIRED and returns
// OutcomeNoResponse; it is not an error.
func (d *NotificationDispatcher) Await(ctx context.Context, id string) (ResponseOutcome, *model.Notification, error) {
	// subscribe before reading so a response recorded in between still wakes us
	signal := d.subscribe(id)
	defer func() { d.unsubscribe(id, signal) }()

	n, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if outcome, done := settled(n); done {
		return outcome, n, nil
	}

	wait := n.ResponseDeadline.Sub(d.clock.Now())
	if wait <= 0 {
		return d.expire(ctx, id)
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	poll := time.NewTicker(d.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-timer.C:
			return d.expire(ctx, id)
		case <-signal:
			signal = d.resubscribe(id, signal)
		case <-poll.C:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}

		n, err = d.repo.GetNotification(ctx, id)
		if err != nil {
			return "", nil, err
		}
		if outcome, done := settled(n); done {
			return outcome, n, nil
		}
	}
}

func settled(n *model.Notification) (ResponseOutcome, bool) {
	switch {
	case n.Responded():
		return OutcomeResponded, true
	case !n.ResponseRequired:
		return OutcomeNotRequired, true
	case n.Status == model.NotificationExpired || n.Status == model.NotificationFailed:
		return OutcomeNoResponse, true
	case n.ResponseDeadline == nil:
		return OutcomeNoResponse, true
	}
	return "", false
}

// expire marks an unanswered notification EXPIRED.
func (d *NotificationDispatcher) expire(ctx context.Context, id string) (ResponseOutcome, *model.Notification, error) {
	d.updateMu.Lock()
	n, err := d.repo.GetNotification(ctx, id)
	if err != nil {
		d.updateMu.Unlock()
		return "", nil, err
	}
	if outcome, done := settled(n); done {
		d.updateMu.Unlock()
		return outcome, n, nil
	}
	n.Status = model.NotificationExpired
	err = d.repo.UpdateNotification(ctx, n)
	d.updateMu.Unlock()
	if err != nil {
		return "", nil, fmt.Errorf("expire notification: %w", err)
	}

	d.wake(id)
	d.audit.Append(ctx, AuditRecord{
		RequestID: n.RequestID,
		Action:    model.AuditNotificationExpired,
		Actor:     model.SystemActor,
		Detail: map[string]any{
			"notification_id": n.ID,
			"customer_id":     n.CustomerID,
		},
	})
	notificationsTotal.WithLabelValues(string(n.Kind), string(model.NotificationExpired)).Inc()
	d.logger.Info("notification expired without response",
		zap.String("notification_id", n.ID), zap.String("request_id", n.RequestID))
	return OutcomeNoResponse, n, nil
}

// ExpireOverdue expires every unanswered notification past its deadline and
// returns how many were expired.
func (d *NotificationDispatcher) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := d.repo.ListOverdueNotifications(ctx, d.clock.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, n := range overdue {
		outcome, _, err := d.expire(ctx, n.ID)
		if err != nil {
			return expired, err
		}
		if outcome == OutcomeNoResponse {
			expired++
		}
	}
	return expired, nil
}

func (d *NotificationDispatcher) subscribe(id string) chan struct{} {
	ch := make(chan struct{})
	d.waitMu.Lock()
	d.waiters[id] = append(d.waiters[id], ch)
	d.waitMu.Unlock()
	return ch
}

func (d *NotificationDispatcher) unsubscribe(id string, ch chan struct{}) {
	d.waitMu.Lock()
	defer d.waitMu.Unlock()

	list := d.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(d.waiters, id)
	} else {
		d.waiters[id] = list
	}
}

func (d *NotificationDispatcher) resubscribe(id string, old chan struct{}) chan struct{} {
	d.unsubscribe(id, old)
	return d.subscribe(id)
}

// wake releases every waiter on id.
func (d *NotificationDispatcher) wake(id string) {
	d.waitMu.Lock()
	list := d.waiters[id]
	delete(d.waiters, id)
	d.waitMu.Unlock()

	for _, ch := range list {
		close(ch)
	}
}

var _ Notifier = (*NotificationDispatcher)(nil)
