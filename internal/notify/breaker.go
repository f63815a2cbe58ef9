package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/model"
)

// ErrChannelUnavailable is returned while the breaker is open.
var ErrChannelUnavailable = errors.New("notification channel unavailable")

// BreakerConfig tunes the circuit breaker around a channel.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
}

// BreakerChannel stops calling a failing provider until it recovers.
type BreakerChannel struct {
	next Channel
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerChannel wraps next with a circuit breaker.
func NewBreakerChannel(next Channel, cfg BreakerConfig, logger *zap.Logger) *BreakerChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "notification-channel"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	log := logger.Named("notify")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &BreakerChannel{next: next, cb: cb}
}

func (c *BreakerChannel) Send(ctx context.Context, n *model.Notification) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.next.Send(ctx, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return err
}

// State reports the breaker state, for health output.
func (c *BreakerChannel) State() string {
	return c.cb.State().String()
}

var _ Channel = (*BreakerChannel)(nil)
