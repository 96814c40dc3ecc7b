package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/events"
)

// QueueStats is the slice of the queue the sampler reads.
type QueueStats interface {
	Waiting(ctx context.Context) (int64, error)
	Active(ctx context.Context) (int64, error)
	Delayed(ctx context.Context) (int64, error)
	Failed(ctx context.Context) (int64, error)
	Retries() int64
}

// PoolStats reports the current worker pool size.
type PoolStats interface {
	WorkerCount() int
}

// BusStats reports event bus totals.
type BusStats interface {
	Metrics() events.BusMetrics
}

// Sampler periodically copies queue, pool and bus state into the
// collector's gauges and counters. Sources report running totals, so the
// sampler tracks the last seen value per counter and adds the delta.
type Sampler struct {
	collector *Collector
	queue     QueueStats
	pool      PoolStats
	bus       BusStats
	interval  time.Duration
	logger    *logrus.Logger

	lastDead      int64
	lastRetries   int64
	lastPublished int64
	lastDropped   int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSampler creates a sampler. Any of queue, pool and bus may be nil;
// their metrics are then left untouched.
func NewSampler(collector *Collector, queue QueueStats, pool PoolStats, bus BusStats, interval time.Duration, logger *logrus.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sampler{
		collector: collector,
		queue:     queue,
		pool:      pool,
		bus:       bus,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sample(s.ctx)
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sampling loop.
func (s *Sampler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Sample reads every source once.
func (s *Sampler) Sample(ctx context.Context) {
	if s.queue != nil {
		if waiting, err := s.queue.Waiting(ctx); err == nil {
			s.collector.QueueWaiting.Set(float64(waiting))
		} else {
			s.logger.WithError(err).Debug("Cannot sample queue depth")
		}
		if active, err := s.queue.Active(ctx); err == nil {
			s.collector.QueueActive.Set(float64(active))
		}
		if delayed, err := s.queue.Delayed(ctx); err == nil {
			s.collector.QueueDelayed.Set(float64(delayed))
		}
		if dead, err := s.queue.Failed(ctx); err == nil && dead > s.lastDead {
			s.collector.DeadLetters.Add(float64(dead - s.lastDead))
			s.lastDead = dead
		}
		if retries := s.queue.Retries(); retries > s.lastRetries {
			s.collector.JobRetries.Add(float64(retries - s.lastRetries))
			s.lastRetries = retries
		}
	}

	if s.pool != nil {
		s.collector.ActiveWorkers.Set(float64(s.pool.WorkerCount()))
	}

	if s.bus != nil {
		m := s.bus.Metrics()
		if m.Published > s.lastPublished {
			s.collector.MessagesPublished.Add(float64(m.Published - s.lastPublished))
			s.lastPublished = m.Published
		}
		if m.Dropped > s.lastDropped {
			s.collector.MessagesDropped.Add(float64(m.Dropped - s.lastDropped))
			s.lastDropped = m.Dropped
		}
	}
}
