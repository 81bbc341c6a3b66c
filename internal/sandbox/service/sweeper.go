package service

import (
	"context"
	"time"

	"agentbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the idle sweeper runs.
const DefaultSweepInterval = time.Minute

// Sweeper periodically reclaims idle sandboxes via Manager.CleanupIdle.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(manager *Manager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{manager: manager, interval: interval}
}

// Run sweeps on a fixed interval until ctx is cancelled. Intended to be run
// as a goroutine; it returns once the context is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info(ctx, "idle sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "idle sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.manager.CleanupIdle(ctx); err != nil {
				logger.Error(ctx, "idle sweep failed", zap.Error(err))
			}
		}
	}
}
