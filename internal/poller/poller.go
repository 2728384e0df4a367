package poller

import (
	"context"
	"time"

	"order-pipeline/internal/models"
)

// Fetcher reads the current snapshot of an order
type Fetcher interface {
	GetOrder(ctx context.Context, orderID string) (*models.OrderSnapshot, error)
}

// Options bounds the polling cadence. The server's pollAfterMs hint is used when it
// falls inside [MinInterval, MaxInterval].
type Options struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	// OnChange is called with each snapshot whose stage differs from the previous one
	OnChange func(*models.OrderSnapshot)
}

func (o Options) withDefaults() Options {
	if o.MinInterval <= 0 {
		o.MinInterval = 100 * time.Millisecond
	}
	if o.MaxInterval < o.MinInterval {
		o.MaxInterval = 5 * time.Second
		if o.MaxInterval < o.MinInterval {
			o.MaxInterval = o.MinInterval
		}
	}
	return o
}

func (o Options) next(s *models.OrderSnapshot) time.Duration {
	d := time.Duration(s.PollAfterMs) * time.Millisecond
	if d < o.MinInterval {
		return o.MinInterval
	}
	if d > o.MaxInterval {
		return o.MaxInterval
	}
	return d
}

// Watch polls the order until it reaches Completed or Error. When ctx ends first it
// returns the last snapshot seen together with ctx's error.
func Watch(ctx context.Context, f Fetcher, orderID string, opts Options) (*models.OrderSnapshot, error) {
	opts = opts.withDefaults()

	var last *models.OrderSnapshot
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		snap, err := f.GetOrder(ctx, orderID)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		if opts.OnChange != nil && (last == nil || last.Stage != snap.Stage) {
			opts.OnChange(snap)
		}
		last = snap
		if snap.Terminal {
			return snap, nil
		}
		timer.Reset(opts.next(snap))
	}
}
