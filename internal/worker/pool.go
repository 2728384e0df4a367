package worker

import (
	"context"
	"errors"
	"sync"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Dispatch when every slot is taken. The order keeps
	// its stage and the sweeper offers it again later.
	ErrQueueFull = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool stopped")
)

// Processor runs an admitted order through the pipeline
type Processor interface {
	Process(ctx context.Context, orderID string) (*models.Order, error)
}

// Pool runs pipeline instances on a fixed number of goroutines
type Pool struct {
	processor Processor
	workers   int
	queue     chan string
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of workers sharing a bounded queue
func NewPool(processor Processor, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	return &Pool{
		processor: processor,
		workers:   workers,
		queue:     make(chan string, queueSize),
		inflight:  make(map[string]struct{}),
		logger:    util.GetLogger(),
	}
}

// Start launches the workers. Cancelling ctx or calling Stop ends them.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("Pipeline workers started", zap.Int("workers", p.workers), zap.Int("queue", cap(p.queue)))
}

// Stop cancels in-flight pipelines and waits for the workers to exit. Orders left
// mid-stage keep their lease until it expires.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("Pipeline workers stopped")
}

// Dispatch queues an order for processing. An order already queued or running is
// not queued twice.
func (p *Pool) Dispatch(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.inflight[orderID]; ok {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.queue <- orderID:
		p.inflight[orderID] = struct{}{}
		util.WorkerQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) run(ctx context.Context, n int) {
	defer p.wg.Done()
	for id := range p.queue {
		util.WorkerQueueDepth.Set(float64(len(p.queue)))
		if ctx.Err() == nil {
			p.handle(ctx, id)
		}
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}
	p.logger.Debug("Worker exiting", zap.Int("worker", n))
}

func (p *Pool) handle(ctx context.Context, orderID string) {
	order, err := p.processor.Process(ctx, orderID)
	switch {
	case err == nil:
		p.logger.Debug("Pipeline finished",
			zap.String("order_id", orderID),
			zap.String("stage", string(order.Stage)))
	case errors.Is(err, models.ErrOrderClaimed),
		errors.Is(err, models.ErrOrderTerminal),
		errors.Is(err, models.ErrOrderNotQueued),
		errors.Is(err, models.ErrStaleTransition):
		p.logger.Debug("Order skipped", zap.String("order_id", orderID), zap.Error(err))
	case errors.Is(err, context.Canceled):
		p.logger.Info("Pipeline interrupted by shutdown", zap.String("order_id", orderID))
	default:
		p.logger.Error("Pipeline stopped with error", zap.String("order_id", orderID), zap.Error(err))
	}
}
