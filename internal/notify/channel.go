// Package notify holds the outbound notification channel collaborators.
// Delivery is asynchronous: Send hands the message over and returns; the
// provider reports delivery and reads back through callbacks.
package notify

import (
	"context"

	"go.uber.org/zap"

	"rentalhub-sale-api/internal/model"
)

// Channel sends a notification to its customer.
type Channel interface {
	Send(ctx context.Context, n *model.Notification) error
}

// LogChannel writes notifications to the log instead of a provider.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("notify")}
}

func (c *LogChannel) Send(_ context.Context, n *model.Notification) error {
	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("request_id", n.RequestID),
		zap.String("customer_id", n.CustomerID),
		zap.String("kind", string(n.Kind)),
		zap.String("channel", string(n.Channel)),
		zap.Bool("response_required", n.ResponseRequired),
	}
	if n.ResponseDeadline != nil {
		fields = append(fields, zap.Time("response_deadline", *n.ResponseDeadline))
	}
	c.logger.Info("notification dispatched", fields...)
	return nil
}

var _ Channel = (*LogChannel)(nil)
