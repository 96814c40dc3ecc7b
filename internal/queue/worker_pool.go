package queue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler consumes claimed jobs. A returned error counts as a failed
// attempt and triggers the queue's retry policy.
type Handler interface {
	Process(ctx context.Context, job *Job) error
	// HandleDead finalizes a job that exhausted its attempts so the
	// submission is never silently dropped.
	HandleDead(ctx context.Context, job *Job)
}

// PoolConfig holds worker pool tuning.
type PoolConfig struct {
	MinWorkers       int
	MaxWorkers       int
	InitialWorkers   int
	PollInterval     time.Duration
	ScaleInterval    time.Duration
	HeartbeatTimeout time.Duration
	// MetricsWindow bounds the rolling completion window the rates and
	// averages are computed from.
	MetricsWindow time.Duration
}

// DefaultPoolConfig sizes the pool from the machine: start at
// min(4, cpu-1), scale between 2 and 8.
func DefaultPoolConfig() *PoolConfig {
	initial := runtime.NumCPU() - 1
	if initial > 4 {
		initial = 4
	}
	if initial < 2 {
		initial = 2
	}
	return &PoolConfig{
		MinWorkers:       2,
		MaxWorkers:       8,
		InitialWorkers:   initial,
		PollInterval:     250 * time.Millisecond,
		ScaleInterval:    5 * time.Second,
		HeartbeatTimeout: 2 * time.Minute,
		MetricsWindow:    time.Hour,
	}
}

type completion struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// PoolMetrics is a snapshot of the pool's rolling-window statistics.
type PoolMetrics struct {
	Workers          int            `json:"workers"`
	ActiveJobs       int            `json:"active_jobs"`
	ProcessedPerMin  float64        `json:"processed_per_minute"`
	ProcessedPerHour float64        `json:"processed_per_hour"`
	AvgProcessingMs  int64          `json:"avg_processing_ms"`
	PerWorker        map[int]Worker `json:"per_worker"`
}

// Worker is the per-worker counters exposed in metrics.
type Worker struct {
	Processed int64     `json:"processed"`
	Failed    int64     `json:"failed"`
	LastBeat  time.Time `json:"last_heartbeat"`
}

type worker struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	processed int64
	failed    int64
	lastBeat  time.Time
	busy      bool
}

func (w *worker) beat() {
	w.mu.Lock()
	w.lastBeat = time.Now()
	w.mu.Unlock()
}

func (w *worker) setBusy(busy bool) {
	w.mu.Lock()
	w.busy = busy
	w.mu.Unlock()
}

func (w *worker) snapshot() Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Worker{Processed: w.processed, Failed: w.failed, LastBeat: w.lastBeat}
}

// Pool runs N workers against the queue and resizes itself from queue
// depth: up (to MaxWorkers) when waiting exceeds three times the worker
// count, down (to MinWorkers) when the queue is drained and fewer than
// half the workers are busy. A worker whose heartbeat goes silent past
// the timeout is evicted and replaced.
type Pool struct {
	queue   *Queue
	handler Handler
	config  *PoolConfig
	logger  *logrus.Logger

	mu          sync.Mutex
	workers     map[int]*worker
	nextID      int
	completions []completion

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(queue *Queue, handler Handler, config *PoolConfig, logger *logrus.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:   queue,
		handler: handler,
		config:  config,
		logger:  logger,
		workers: make(map[int]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the initial workers and the supervisor loop.
func (p *Pool) Start() {
	p.mu.Lock()
	for i := 0; i < p.config.InitialWorkers; i++ {
		p.startWorkerLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.supervise()
	p.logger.WithField("workers", p.config.InitialWorkers).Info("Worker pool started")
}

// Stop cancels all workers and waits for in-flight judgments to finish.
func (p *Pool) Stop() {
	p.cancel()
	p.mu.Lock()
	for _, w := range p.workers {
		w.cancel()
	}
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// WorkerCount returns the current pool size.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) startWorkerLocked() {
	p.nextID++
	ctx, cancel := context.WithCancel(p.ctx)
	w := &worker{
		id:       p.nextID,
		cancel:   cancel,
		done:     make(chan struct{}),
		lastBeat: time.Now(),
	}
	p.workers[w.id] = w
	go p.run(ctx, w)
}

func (p *Pool) run(ctx context.Context, w *worker) {
	defer close(w.done)
	log := p.logger.WithField("worker", w.id)
	log.Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopped")
			return
		default:
		}
		w.beat()

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Dequeue failed")
			sleepCtx(ctx, p.config.PollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, p.config.PollInterval)
			continue
		}

		w.setBusy(true)
		start := time.Now()
		stopBeat := p.beatWhileBusy(w)
		perr := p.handler.Process(ctx, job)
		stopBeat()
		elapsed := time.Since(start)
		w.setBusy(false)
		w.beat()

		if perr != nil {
			w.mu.Lock()
			w.failed++
			w.mu.Unlock()
			log.WithError(perr).WithField("submission_id", job.SubmissionID).
				Warn("Judgment attempt failed")

			dead, ferr := p.queue.Fail(ctx, job.ID, perr)
			if ferr != nil {
				log.WithError(ferr).Error("Failed to record job failure")
			} else if dead {
				p.handler.HandleDead(ctx, job)
			}
		} else {
			w.mu.Lock()
			w.processed++
			w.mu.Unlock()
			if cerr := p.queue.Complete(ctx, job.ID); cerr != nil {
				log.WithError(cerr).Error("Failed to complete job")
			}
		}
		p.recordCompletion(completion{at: time.Now(), duration: elapsed, failed: perr != nil})
	}
}

// beatWhileBusy keeps the worker's heartbeat fresh for the duration of a
// judgment, so a run legitimately longer than HeartbeatTimeout (many cases
// under the interpreted-language wall multiplier) is not mistaken for a
// wedged worker. A judgment stuck past every sandbox timeout still gets
// its job back through the stalled-job requeue.
func (p *Pool) beatWhileBusy(w *worker) (stop func()) {
	interval := p.config.HeartbeatTimeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.beat()
			}
		}
	}()
	return func() { close(done) }
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (p *Pool) supervise() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.evictSilentWorkers()
			p.rescale()
		}
	}
}

// evictSilentWorkers replaces any worker whose heartbeat went quiet. A
// wedged worker usually means a judgment stuck past every timeout; its
// job comes back through the stalled-job requeue.
func (p *Pool) evictSilentWorkers() {
	cutoff := time.Now().Add(-p.config.HeartbeatTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, w := range p.workers {
		w.mu.Lock()
		silent := w.lastBeat.Before(cutoff)
		w.mu.Unlock()
		if !silent {
			continue
		}
		p.logger.WithField("worker", id).Error("Worker heartbeat silent, replacing")
		w.cancel()
		delete(p.workers, id)
		p.startWorkerLocked()
	}
}

func (p *Pool) rescale() {
	waiting, err := p.queue.Waiting(p.ctx)
	if err != nil {
		p.logger.WithError(err).Warn("Cannot read queue depth for scaling")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	count := len(p.workers)
	busy := 0
	for _, w := range p.workers {
		w.mu.Lock()
		if w.busy {
			busy++
		}
		w.mu.Unlock()
	}

	switch {
	case int(waiting) > 3*count && count < p.config.MaxWorkers:
		p.startWorkerLocked()
		p.logger.WithFields(logrus.Fields{
			"workers": count + 1,
			"waiting": waiting,
		}).Info("Scaled worker pool up")
	case waiting == 0 && busy < count/2 && count > p.config.MinWorkers:
		// Remove an idle worker; never a busy one.
		for id, w := range p.workers {
			w.mu.Lock()
			idle := !w.busy
			w.mu.Unlock()
			if idle {
				w.cancel()
				delete(p.workers, id)
				p.logger.WithField("workers", count-1).Info("Scaled worker pool down")
				break
			}
		}
	}
}

func (p *Pool) recordCompletion(c completion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, c)
	p.pruneLocked(time.Now())
}

func (p *Pool) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.config.MetricsWindow)
	i := 0
	for ; i < len(p.completions); i++ {
		if p.completions[i].at.After(cutoff) {
			break
		}
	}
	p.completions = p.completions[i:]
}

// Metrics returns a snapshot of the rolling-window statistics.
func (p *Pool) Metrics() PoolMetrics {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(now)

	m := PoolMetrics{
		Workers:   len(p.workers),
		PerWorker: make(map[int]Worker, len(p.workers)),
	}
	for id, w := range p.workers {
		snap := w.snapshot()
		m.PerWorker[id] = snap
	}

	var lastMinute int
	var totalMs int64
	for _, c := range p.completions {
		totalMs += c.duration.Milliseconds()
		if now.Sub(c.at) <= time.Minute {
			lastMinute++
		}
	}
	if n := len(p.completions); n > 0 {
		m.AvgProcessingMs = totalMs / int64(n)
		windowHours := p.config.MetricsWindow.Hours()
		if windowHours > 0 {
			m.ProcessedPerHour = float64(n) / windowHours
		}
	}
	m.ProcessedPerMin = float64(lastMinute)

	for _, w := range p.workers {
		w.mu.Lock()
		if w.busy {
			m.ActiveJobs++
		}
		w.mu.Unlock()
	}
	return m
}

// EstimateETA converts a queue position into a rough wait in seconds from
// the rolling average processing time and the worker count.
func (p *Pool) EstimateETA(position int) int {
	if position <= 0 {
		return 0
	}
	m := p.Metrics()
	avgMs := m.AvgProcessingMs
	if avgMs == 0 {
		avgMs = 5000
	}
	workers := m.Workers
	if workers == 0 {
		workers = 1
	}
	etaMs := int64(position) * avgMs / int64(workers)
	eta := int(etaMs / 1000)
	if eta < 1 {
		eta = 1
	}
	return eta
}
