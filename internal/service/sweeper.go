package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig holds configuration for the expiry sweeper.
type SweeperConfig struct {
	// Interval is how often overdue notifications are expired.
	// Default: 1 minute
	Interval time.Duration

	// RunTimeout bounds one sweep.
	// Default: 30 seconds
	RunTimeout time.Duration
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:   time.Minute,
		RunTimeout: 30 * time.Second,
	}
}

// ExpirySweeper periodically marks unanswered notifications EXPIRED once
// their deadline passed. It covers waits nobody is blocked on any more, for
// example after the confirming caller disconnected.
type ExpirySweeper struct {
	dispatcher *NotificationDispatcher
	config     SweeperConfig
	logger     *zap.Logger

	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
}

func NewExpirySweeper(dispatcher *NotificationDispatcher, config SweeperConfig, logger *zap.Logger) *ExpirySweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpirySweeper{
		dispatcher: dispatcher,
		config:     config,
		logger:     logger.Named("sweeper"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins sweeping in the background.
func (s *ExpirySweeper) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ticker = time.NewTicker(s.config.Interval)
	s.mu.Unlock()

	s.logger.Info("started", zap.Duration("interval", s.config.Interval))
	go s.run()
}

func (s *ExpirySweeper) run() {
	for {
		select {
		case <-s.ticker.C:
			if _, err := s.RunNow(); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		case <-s.stopCh:
			s.logger.Info("stopped")
			return
		}
	}
}

// Stop stops the sweeper. It is safe to call more than once.
func (s *ExpirySweeper) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.ticker != nil {
			s.ticker.Stop()
		}
		close(s.stopCh)
		s.isRunning = false
	})
}

// RunNow expires overdue notifications immediately and returns how many.
func (s *ExpirySweeper) RunNow() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	expired, err := s.dispatcher.ExpireOverdue(ctx)
	if expired > 0 {
		s.logger.Info("expired overdue notifications", zap.Int("count", expired))
	}
	return expired, err
}
