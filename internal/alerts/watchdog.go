package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/dodiiit/percobaan-sm-iot-sub000/internal/db"
	"go.uber.org/zap"
)

// SilentMeters lists active meters not heard from since a cutoff
type SilentMeters interface {
	ListSilentMeters(ctx context.Context, before time.Time) ([]db.Meter, error)
}

// Watchdog raises communication_lost alerts for meters that stopped reporting
type Watchdog struct {
	meters  SilentMeters
	engine  *Engine
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewWatchdog creates a communication-loss watchdog
func NewWatchdog(meters SilentMeters, engine *Engine, timeout time.Duration, logger *zap.Logger) *Watchdog {
	return &Watchdog{
		meters:  meters,
		engine:  engine,
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

// Check runs one sweep and returns how many new alerts were raised
func (w *Watchdog) Check(ctx context.Context) (int, error) {
	now := w.now().UTC()
	silent, err := w.meters.ListSilentMeters(ctx, now.Add(-w.timeout))
	if err != nil {
		return 0, fmt.Errorf("failed to list silent meters: %w", err)
	}

	candidates := make([]Candidate, 0, len(silent))
	for _, m := range silent {
		since := m.CreatedAt
		if m.LastSeenAt != nil {
			since = *m.LastSeenAt
		}
		candidates = append(candidates, CommunicationLost(m, now.Sub(since).Truncate(time.Minute).String()))
	}

	created, err := w.engine.Raise(ctx, candidates...)
	if len(created) > 0 {
		w.logger.Warn("meters lost communication",
			zap.Int("silent", len(silent)),
			zap.Int("raised", len(created)))
	}
	return len(created), err
}
