package command

import (
	"context"
	"fmt"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"go.uber.org/zap"
)

// Sweep times out every pending or sent command past its deadline
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.expire(ctx, s.now().UTC())
}

func (s *Service) expire(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpireCommands(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire commands: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	s.metrics.CommandTransition(db.CommandTimeout, len(expired))
	for _, cmd := range expired {
		s.publishByMeter(ctx, cmd)
	}
	s.logger.Info("expired stale commands", zap.Int("count", len(expired)))
	return len(expired), nil
}
