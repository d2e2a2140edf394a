package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fedbroker/fedbroker/pkg/orders"
	"github.com/fedbroker/fedbroker/pkg/telemetry"
)

// processFunc handles one order pulled from the queue. It is invoked without
// the order lock held; handlers take it themselves so they control the
// critical section. Returned errors are logged and swallowed: one bad order
// never kills the loop.
type processFunc func(ctx context.Context, order *orders.Order) error

// Processor is one background polling loop bound to one state queue. A full
// pass drains the queue at full speed; the loop sleeps only once a pass
// comes up empty.
type Processor struct {
	name     string
	queue    *orders.StateQueue
	interval time.Duration
	process  processFunc
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	stop chan struct{}
	done chan struct{}
}

func newProcessor(name string, queue *orders.StateQueue, interval time.Duration, process processFunc, logger *telemetry.Logger, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		name:     name,
		queue:    queue,
		interval: interval,
		process:  process,
		logger:   logger.NewComponentLogger(name),
		metrics:  metrics,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the processor goroutine.
func (p *Processor) Start() {
	p.logger.WithField("interval", p.interval.String()).Info("processor started")
	go p.run()
}

// Stop signals the loop to exit and waits for the in-flight iteration to
// finish.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.done
	p.logger.Info("processor stopped")
}

func (p *Processor) run() {
	defer close(p.done)
	ctx := context.Background()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		order := p.queue.Next()
		if order == nil {
			p.queue.ResetPointer()
			p.metrics.RecordProcessorPass(p.name)
			select {
			case <-p.stop:
				return
			case <-time.After(p.interval):
			}
			continue
		}

		p.handle(ctx, order)
	}
}

func (p *Processor) handle(ctx context.Context, order *orders.Order) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.RecordProcessorError(p.name)
			p.logger.WithOrder(order.ID).WithField("panic", r).Error("panic while processing order")
		}
	}()

	if err := p.process(ctx, order); err != nil {
		p.metrics.RecordProcessorError(p.name)
		p.logger.WithOrder(order.ID).WithError(err).Warn("failed to process order")
	}
}

// failureCounter tracks consecutive status-check failures per order id. The
// count lives outside the order so a transition wipes no history by
// accident; entries are dropped explicitly on success or settlement.
type failureCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newFailureCounter() *failureCounter {
	return &failureCounter{counts: make(map[string]int)}
}

// Inc increments and returns the consecutive failure count for the order.
func (c *failureCounter) Inc(orderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[orderID]++
	return c.counts[orderID]
}

// Reset clears the order's failure history.
func (c *failureCounter) Reset(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, orderID)
}
