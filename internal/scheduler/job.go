package scheduler

import (
	"context"
	"sync"
	"time"
)

// Job is an opaque unit of work: a command invocation with scheduling
// hints. Jobs are immutable once submitted and consumed exactly once.
type Job struct {
	ID               string
	Command          string
	Args             []string
	Priority         int // lower runs first
	ExpectedDuration time.Duration
	CPUIntensity     float64 // 0..1 hint, recorded on the worker handle
}

// JobResult is the outcome of one job execution
type JobResult struct {
	JobID            string
	ExitCode         int
	Success          bool
	Duration         time.Duration
	Stdout           string
	Stderr           string
	PerformanceScore float64
}

// performanceScore relates expected to actual duration. 100 means the job
// finished exactly on expectation, capped at 200 for very fast runs.
func performanceScore(expected, actual time.Duration) float64 {
	if expected <= 0 || actual <= 0 {
		return 100
	}

	score := float64(expected) / float64(actual) * 100
	if score > 200 {
		score = 200
	}
	return score
}

// Future is the pending result of a submitted job
type Future struct {
	once   sync.Once
	done   chan struct{}
	result JobResult
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(result JobResult) {
	f.once.Do(func() {
		f.result = result
		close(f.done)
	})
}

func (f *Future) reject(result JobResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

// Done returns a channel closed when the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the job finishes or the context is canceled
func (f *Future) Wait(ctx context.Context) (JobResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// WorkerStatus is the lifecycle state of an in-flight execution
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// WorkerHandle tracks one in-flight job execution. It is owned
// exclusively by the pool and discarded on completion.
type WorkerHandle struct {
	ID        string
	Job       Job
	StartedAt time.Time
	Status    WorkerStatus
}

// JobOutcome is delivered to completion observers
type JobOutcome struct {
	WorkerID string
	Job      Job
	Result   JobResult
	Err      error
}
