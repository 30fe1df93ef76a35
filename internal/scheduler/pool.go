// Package scheduler implements the bounded-concurrency worker pool: a
// priority queue of pending jobs drained by a single dispatcher
// goroutine that owns all queue and counter state.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Shiken/internal/config"
	cerrors "github.com/shizukutanaka/Shiken/internal/errors"
)

type submission struct {
	job    Job
	future *Future
}

type completion struct {
	handle *WorkerHandle
	future *Future
	result JobResult
	err    error
}

// Stats is a point-in-time view of pool state
type Stats struct {
	MaxConcurrency int
	Active         int
	Queued         int
	Submitted      uint64
	Completed      uint64
	Failed         uint64
}

// Pool dispatches jobs to at most maxConcurrency concurrent executions.
// Queue order is priority ascending, then expected duration ascending,
// then submission order. On every completion the pending queue is fully
// re-evaluated and freed capacity refilled before new submissions are
// admitted, so a failed job never blocks the drain.
type Pool struct {
	logger *zap.Logger
	cfg    config.PoolConfig
	runner Runner

	submitCh     chan submission
	completionCh chan completion
	controlCh    chan int
	stopCh       chan struct{}
	doneCh       chan struct{}

	// outcome delivery: unbounded so the dispatcher never blocks on a
	// slow observer
	outMu     sync.Mutex
	outQueue  []JobOutcome
	outSignal chan struct{}

	ctx      context.Context
	started  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	active    atomic.Int32
	queued    atomic.Int32
	maxConc   atomic.Int32

	obsMu     sync.Mutex
	observers []func(JobOutcome)
	notifyWG  sync.WaitGroup
}

// NewPool creates a pool. Start must be called before Submit.
func NewPool(logger *zap.Logger, cfg config.PoolConfig, runner Runner) *Pool {
	p := &Pool{
		logger:       logger,
		cfg:          cfg,
		runner:       runner,
		submitCh:     make(chan submission),
		completionCh: make(chan completion),
		controlCh:    make(chan int),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		outSignal:    make(chan struct{}, 1),
	}
	p.maxConc.Store(int32(cfg.MaxConcurrency))
	return p
}

// OnCompletion registers an observer for job outcomes. Observers are
// called in delivery order on a dedicated goroutine, so they may safely
// call back into the pool.
func (p *Pool) OnCompletion(fn func(JobOutcome)) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, fn)
}

// Start launches the dispatcher
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx = ctx

	p.notifyWG.Add(1)
	go p.notifyLoop()
	go p.dispatch()

	p.logger.Info("Worker pool started",
		zap.Int("max_concurrency", p.cfg.MaxConcurrency),
	)
}

// Submit enqueues a job and returns its pending result. After Shutdown it
// fails with a pool-closed error.
func (p *Pool) Submit(job Job) (*Future, error) {
	if p.closed.Load() {
		return nil, cerrors.ErrPoolClosed
	}
	if !p.started.Load() {
		return nil, cerrors.New(cerrors.ErrorTypeScheduling, cerrors.SeverityHigh,
			"POOL_NOT_STARTED", "Submit called before Start")
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	future := newFuture()
	select {
	case p.submitCh <- submission{job: job, future: future}:
		p.submitted.Add(1)
		return future, nil
	case <-p.doneCh:
		return nil, cerrors.ErrPoolClosed
	}
}

// SetMaxConcurrency resizes the pool's concurrency bound. Shrinking never
// interrupts running jobs; it only stops refills until the active count
// falls below the new bound.
func (p *Pool) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}

	// Before Start there is no dispatcher reading controlCh; the bound is
	// picked up when the dispatcher launches.
	if !p.started.Load() {
		p.maxConc.Store(int32(n))
		return
	}

	select {
	case p.controlCh <- n:
	case <-p.doneCh:
	}
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		MaxConcurrency: int(p.maxConc.Load()),
		Active:         int(p.active.Load()),
		Queued:         int(p.queued.Load()),
		Submitted:      p.submitted.Load(),
		Completed:      p.completed.Load(),
		Failed:         p.failed.Load(),
	}
}

// Shutdown stops admissions and waits for the queue to drain
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closed.Store(true)
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})

	select {
	case <-p.doneCh:
		p.notifyWG.Wait()
		p.logger.Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch is the single goroutine owning the queue, the active-worker
// set and the concurrency bound.
func (p *Pool) dispatch() {
	queue := newPendingQueue()
	activeWorkers := make(map[string]*WorkerHandle)
	maxConcurrency := int(p.maxConc.Load())
	draining := false

	// Nilled out once draining starts so the closed channel does not keep
	// the select permanently ready while the drain waits on completions.
	stopCh := p.stopCh

	refill := func() {
		for len(activeWorkers) < maxConcurrency {
			pending, ok := queue.pop()
			if !ok {
				break
			}
			handle := p.launch(pending)
			activeWorkers[handle.ID] = handle
		}
		p.active.Store(int32(len(activeWorkers)))
		p.queued.Store(int32(queue.len()))
	}

	finish := func(c completion) {
		delete(activeWorkers, c.handle.ID)

		switch {
		case c.err != nil:
			c.handle.Status = WorkerFailed
			p.failed.Add(1)
			c.future.reject(c.result, c.err)
		case c.result.ExitCode != 0:
			c.handle.Status = WorkerFailed
			p.failed.Add(1)
			c.future.reject(c.result, cerrors.New(
				cerrors.ErrorTypeWorkerRuntime, cerrors.SeverityHigh, "NONZERO_EXIT",
				fmt.Sprintf("job %s exited with code %d", c.result.JobID, c.result.ExitCode)).
				WithContext("stderr", c.result.Stderr))
		default:
			c.handle.Status = WorkerCompleted
			p.completed.Add(1)
			c.future.resolve(c.result)
		}

		p.enqueueOutcome(JobOutcome{
			WorkerID: c.handle.ID,
			Job:      c.handle.Job,
			Result:   c.result,
			Err:      c.err,
		})
	}

	for {
		// Completions take precedence: freed capacity is refilled from
		// the pending queue before any new submission is admitted.
		select {
		case c := <-p.completionCh:
			finish(c)
			refill()
			continue
		default:
		}

		select {
		case c := <-p.completionCh:
			finish(c)
			refill()

		case sub := <-p.submitCh:
			if draining {
				sub.future.reject(JobResult{JobID: sub.job.ID}, cerrors.ErrPoolClosed)
				break
			}
			queue.push(sub.job, sub.future)
			refill()

		case n := <-p.controlCh:
			maxConcurrency = n
			p.maxConc.Store(int32(n))
			p.logger.Info("Concurrency bound updated", zap.Int("max_concurrency", n))
			refill()

		case <-stopCh:
			draining = true
			stopCh = nil
		}

		if draining && len(activeWorkers) == 0 && queue.len() == 0 {
			close(p.doneCh)
			return
		}
	}
}

// launch starts one job execution and reports its completion
func (p *Pool) launch(pending pendingJob) *WorkerHandle {
	handle := &WorkerHandle{
		ID:        uuid.NewString(),
		Job:       pending.job,
		StartedAt: time.Now(),
		Status:    WorkerRunning,
	}

	p.logger.Debug("Dispatching job",
		zap.String("job_id", pending.job.ID),
		zap.String("worker_id", handle.ID),
		zap.Int("priority", pending.job.Priority),
	)

	go func() {
		start := time.Now()
		execRes, err := p.runner.Run(p.ctx, pending.job)
		duration := time.Since(start)

		result := JobResult{
			JobID:            pending.job.ID,
			ExitCode:         execRes.ExitCode,
			Success:          err == nil && execRes.ExitCode == 0,
			Duration:         duration,
			Stdout:           execRes.Stdout,
			Stderr:           execRes.Stderr,
			PerformanceScore: performanceScore(pending.job.ExpectedDuration, duration),
		}

		if err != nil {
			err = cerrors.New(cerrors.ErrorTypeScheduling, cerrors.SeverityHigh,
				"LAUNCH_FAILED", fmt.Sprintf("failed to execute job %s", pending.job.ID)).
				WithError(err).
				WithContext("command", pending.job.Command)
		}

		p.completionCh <- completion{
			handle: handle,
			future: pending.future,
			result: result,
			err:    err,
		}
	}()

	return handle
}

func (p *Pool) enqueueOutcome(o JobOutcome) {
	p.outMu.Lock()
	p.outQueue = append(p.outQueue, o)
	p.outMu.Unlock()

	select {
	case p.outSignal <- struct{}{}:
	default:
	}
}

// notifyLoop delivers outcomes to observers in completion order
func (p *Pool) notifyLoop() {
	defer p.notifyWG.Done()

	deliver := func() {
		for {
			p.outMu.Lock()
			if len(p.outQueue) == 0 {
				p.outMu.Unlock()
				return
			}
			outcome := p.outQueue[0]
			p.outQueue = p.outQueue[1:]
			p.outMu.Unlock()

			p.obsMu.Lock()
			observers := make([]func(JobOutcome), len(p.observers))
			copy(observers, p.observers)
			p.obsMu.Unlock()

			for _, fn := range observers {
				fn(outcome)
			}
		}
	}

	for {
		select {
		case <-p.outSignal:
			deliver()
		case <-p.doneCh:
			deliver()
			return
		}
	}
}
