package worker

import (
	"context"
	"errors"
	"time"

	"order-pipeline/internal/service"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

// StaleLister finds in-flight orders nobody holds a live lease on
type StaleLister interface {
	ListStaleOrders(ctx context.Context, limit int) ([]string, error)
}

// Sweeper re-dispatches orders whose pipeline died, so every admitted order
// eventually reaches Completed or Error.
type Sweeper struct {
	store      StaleLister
	dispatcher service.Dispatcher
	interval   time.Duration
	batch      int
	logger     *zap.Logger
}

// NewSweeper creates a sweeper
func NewSweeper(store StaleLister, dispatcher service.Dispatcher, interval time.Duration, batch int) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		logger:     util.GetLogger(),
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep dispatches one batch of stale orders and returns how many were handed off
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.ListStaleOrders(ctx, s.batch)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		if err := s.dispatcher.Dispatch(ctx, id); err != nil {
			if errors.Is(err, ErrQueueFull) {
				s.logger.Warn("Queue full, deferring remaining stale orders", zap.Int("deferred", len(ids)-n))
				break
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Info("Recovered stale orders", zap.Int("count", n))
	}
	return n, nil
}
