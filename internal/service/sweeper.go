package service

import (
	"context"
	"time"

	"access-service/internal/util"
)

// RunSweeper deletes expired grants every interval until ctx is done. Lazy
// expiry on read already keeps answers correct; the sweeper only keeps the
// grant store small.
func (s *AccessService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Grant sweeper started", util.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Grant sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.SweepExpiredGrants(ctx)
			if err != nil {
				s.logger.Warn("Grant sweep failed", util.ErrorField(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Grant sweep removed expired grants", util.Int("count", n))
			}
		}
	}
}
