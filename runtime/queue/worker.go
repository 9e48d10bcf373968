package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/toolhost/runtime/hooks"
	"goa.design/toolhost/runtime/telemetry"
)

// ErrWorkersStopped is returned by Submit after the pool stops.
var ErrWorkersStopped = errors.New("worker pool stopped")

// Worker pool defaults.
const (
	DefaultMinWorkers        = 2
	DefaultMaxWorkers        = 8
	DefaultWorkerIdleTimeout = 30 * time.Second
	DefaultScalingThreshold  = 1
)

type (
	// WorkerPool runs submitted tasks on an elastic set of goroutines. The
	// pool grows when every worker is busy and the backlog reaches the
	// scaling threshold, and shrinks when workers idle past the idle
	// timeout while above the minimum.
	WorkerPool struct {
		min              int
		max              int
		idleTimeout      time.Duration
		autoscale        bool
		scalingThreshold int

		logger  telemetry.Logger
		metrics telemetry.Metrics
		bus     hooks.Bus

		tasks chan func()

		mu      sync.Mutex
		started bool
		stopped bool
		count   int
		busy    int
		nextID  int
		stopCh  chan struct{}
		wg      sync.WaitGroup
	}

	// WorkerOption configures a WorkerPool.
	WorkerOption func(*WorkerPool)
)

// WithMinWorkers sets the worker floor kept alive while started.
func WithMinWorkers(n int) WorkerOption {
	return func(p *WorkerPool) { p.min = n }
}

// WithMaxWorkers sets the worker ceiling.
func WithMaxWorkers(n int) WorkerOption {
	return func(p *WorkerPool) { p.max = n }
}

// WithWorkerIdleTimeout sets how long a surplus worker may idle before it
// exits.
func WithWorkerIdleTimeout(d time.Duration) WorkerOption {
	return func(p *WorkerPool) { p.idleTimeout = d }
}

// WithAutoscale enables or disables scale-up. Scale-down follows the idle
// timeout regardless.
func WithAutoscale(enabled bool) WorkerOption {
	return func(p *WorkerPool) { p.autoscale = enabled }
}

// WithScalingThreshold sets the backlog size that must accumulate before a
// new worker is started.
func WithScalingThreshold(n int) WorkerOption {
	return func(p *WorkerPool) { p.scalingThreshold = n }
}

// WithWorkerLogger sets the logger. Defaults to noop.
func WithWorkerLogger(l telemetry.Logger) WorkerOption {
	return func(p *WorkerPool) { p.logger = l }
}

// WithWorkerMetrics sets the metrics sink. Defaults to noop.
func WithWorkerMetrics(m telemetry.Metrics) WorkerOption {
	return func(p *WorkerPool) { p.metrics = m }
}

// WithWorkerBus sets the event bus worker lifecycle events are published to.
func WithWorkerBus(b hooks.Bus) WorkerOption {
	return func(p *WorkerPool) { p.bus = b }
}

// NewWorkerPool constructs a stopped pool.
func NewWorkerPool(opts ...WorkerOption) *WorkerPool {
	p := &WorkerPool{
		min:              DefaultMinWorkers,
		max:              DefaultMaxWorkers,
		idleTimeout:      DefaultWorkerIdleTimeout,
		autoscale:        true,
		scalingThreshold: DefaultScalingThreshold,
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		tasks:            make(chan func()),
		stopCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.min < 1 {
		p.min = 1
	}
	if p.max < p.min {
		p.max = p.min
	}
	if p.scalingThreshold < 1 {
		p.scalingThreshold = 1
	}
	return p
}

// Start spins up the minimum number of workers.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrWorkersStopped
	}
	if p.started {
		return errors.New("worker pool already started")
	}
	p.started = true
	for i := 0; i < p.min; i++ {
		p.spawnLocked()
	}
	return nil
}

// Submit hands a task to a worker, growing the pool when every worker is
// busy and the backlog warrants it. Submit blocks until a worker accepts
// the task, the context is cancelled or the pool stops.
func (p *WorkerPool) Submit(ctx context.Context, backlog int, task func()) error {
	// Busy counts trail the channel handoff slightly, so the scaling
	// condition is re-evaluated while the submit is blocked.
	recheck := time.NewTicker(10 * time.Millisecond)
	defer recheck.Stop()
	for {
		p.mu.Lock()
		if !p.started || p.stopped {
			p.mu.Unlock()
			return ErrWorkersStopped
		}
		if p.autoscale && p.busy >= p.count && p.count < p.max && backlog >= p.scalingThreshold {
			p.spawnLocked()
		}
		p.mu.Unlock()

		select {
		case p.tasks <- task:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrWorkersStopped
		case <-recheck.C:
		}
	}
}

// Stop prevents new submissions, lets in-flight tasks finish and waits for
// every worker to exit. Idempotent.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()
	p.wg.Wait()
}

// Count returns the current number of workers.
func (p *WorkerPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Busy returns the number of workers currently running a task.
func (p *WorkerPool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// spawnLocked starts one worker. Caller holds p.mu.
func (p *WorkerPool) spawnLocked() {
	p.nextID++
	id := p.nextID
	p.count++
	count := p.count
	p.wg.Add(1)
	go p.worker(id)
	p.metrics.RecordGauge(telemetry.MetricWorkerCount, float64(count))
	hooks.Emit(context.Background(), p.bus, hooks.NewWorkerEvent(hooks.WorkerStarted, "workers", id, count))
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case task := <-p.tasks:
			p.mu.Lock()
			p.busy++
			p.mu.Unlock()
			task()
			p.mu.Lock()
			p.busy--
			p.mu.Unlock()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.idleTimeout)
		case <-idle.C:
			p.mu.Lock()
			if p.count > p.min {
				p.exitLocked(id)
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			idle.Reset(p.idleTimeout)
		case <-p.stopCh:
			p.mu.Lock()
			p.exitLocked(id)
			p.mu.Unlock()
			return
		}
	}
}

// exitLocked records one worker leaving. Caller holds p.mu.
func (p *WorkerPool) exitLocked(id int) {
	p.count--
	count := p.count
	p.metrics.RecordGauge(telemetry.MetricWorkerCount, float64(count))
	hooks.Emit(context.Background(), p.bus, hooks.NewWorkerEvent(hooks.WorkerStopped, "workers", id, count))
}
