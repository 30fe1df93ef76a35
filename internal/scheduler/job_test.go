package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerformanceScore(t *testing.T) {
	tests := []struct {
		name     string
		expected time.Duration
		actual   time.Duration
		want     float64
	}{
		{"on expectation", 10 * time.Second, 10 * time.Second, 100},
		{"twice as slow", 10 * time.Second, 20 * time.Second, 50},
		{"twice as fast", 10 * time.Second, 5 * time.Second, 200},
		{"capped at 200", 10 * time.Second, time.Second, 200},
		{"no expectation", 0, 10 * time.Second, 100},
		{"zero actual", 10 * time.Second, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, performanceScore(tt.expected, tt.actual), 0.001)
		})
	}
}

func TestQueueOrdering(t *testing.T) {
	q := newPendingQueue()

	q.push(Job{ID: "p2-slow", Priority: 2, ExpectedDuration: time.Minute}, newFuture())
	q.push(Job{ID: "p1", Priority: 1}, newFuture())
	q.push(Job{ID: "p2-fast", Priority: 2, ExpectedDuration: time.Second}, newFuture())
	q.push(Job{ID: "p1-again", Priority: 1}, newFuture())

	var order []string
	for {
		pending, ok := q.pop()
		if !ok {
			break
		}
		order = append(order, pending.job.ID)
	}

	// Priority ascending, shortest expected duration first, FIFO on ties
	assert.Equal(t, []string{"p1", "p1-again", "p2-fast", "p2-slow"}, order)
	assert.Equal(t, 0, q.len())
}

func TestFutureWaitCancellation(t *testing.T) {
	f := newFuture()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve(JobResult{JobID: "late", Success: true})
	result, err := f.Wait(context.Background())
	assert.NoError(t, err)
	assert.True(t, result.Success)
}
