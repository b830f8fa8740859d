// Package schedule runs periodic background duties.
package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one run of a periodic duty
type Task func(ctx context.Context) error

// Every runs task once per interval until ctx is cancelled. A failed run is
// logged and the loop keeps going.
func Every(ctx context.Context, name string, interval time.Duration, logger *zap.Logger, task Task) {
	logger = logger.With(zap.String("task", name))
	logger.Info("background task started", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("background task stopped")
			return
		case <-ticker.C:
			if err := task(ctx); err != nil && ctx.Err() == nil {
				logger.Error("background task run failed", zap.Error(err))
			}
		}
	}
}

// Group starts tasks in goroutines and waits for all of them on Stop
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewGroup creates an idle group
func NewGroup() *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{ctx: ctx, cancel: cancel}
}

// Go starts task on its own ticker
func (g *Group) Go(name string, interval time.Duration, logger *zap.Logger, task Task) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		Every(g.ctx, name, interval, logger, task)
	}()
}

// Stop cancels every task and waits for them to return or for ctx to expire
func (g *Group) Stop(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
