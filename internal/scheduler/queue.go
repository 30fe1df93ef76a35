package scheduler

import "container/heap"

// pendingJob is one queued submission
type pendingJob struct {
	job    Job
	future *Future
	seq    uint64 // FIFO tiebreaker
}

// jobQueue orders pending jobs by priority ascending, then expected
// duration ascending (shortest-job-first), then submission order.
type jobQueue []pendingJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority < q[j].job.Priority
	}
	if q[i].job.ExpectedDuration != q[j].job.ExpectedDuration {
		return q[i].job.ExpectedDuration < q[j].job.ExpectedDuration
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) {
	*q = append(*q, x.(pendingJob))
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// pendingQueue wraps the heap with a typed interface
type pendingQueue struct {
	q   jobQueue
	seq uint64
}

func newPendingQueue() *pendingQueue {
	pq := &pendingQueue{q: make(jobQueue, 0, 64)}
	heap.Init(&pq.q)
	return pq
}

func (p *pendingQueue) push(job Job, future *Future) {
	p.seq++
	heap.Push(&p.q, pendingJob{job: job, future: future, seq: p.seq})
}

func (p *pendingQueue) pop() (pendingJob, bool) {
	if p.q.Len() == 0 {
		return pendingJob{}, false
	}
	return heap.Pop(&p.q).(pendingJob), true
}

func (p *pendingQueue) len() int {
	return p.q.Len()
}
