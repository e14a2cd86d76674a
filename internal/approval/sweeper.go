package approval

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper периодически истекает просроченные заявки.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(gate *Gate, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{gate: gate, interval: interval, logger: logger.Named("approval-sweeper")}
}

// Run блокируется до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.gate.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Int("expired", n), zap.Error(err))
		return n
	}
	if n > 0 {
		s.logger.Info("expired approval requests", zap.Int("count", n))
	}
	return n
}
