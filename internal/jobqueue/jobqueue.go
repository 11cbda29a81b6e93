// Package jobqueue implements C6: a single background worker draining a
// three-level priority queue. Heavy jobs (composing a block, running the
// guesser) and light jobs (persisting a proof, updating a UI snapshot)
// share one worker so at most one CPU-bound task runs at a time, with
// higher-priority work always served first.
package jobqueue

import (
	"container/heap"
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// Priority is one of three service levels. Within a priority, jobs run in
// submission order (see pqueue.Less).
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// Job is one unit of work submitted to the queue.
type Job interface {
	// IsAsync reports whether Run is expected to cooperate (may block on
	// ctx, I/O, or channels) rather than pin a CPU for its duration. The
	// worker does not currently schedule the two differently beyond
	// recovering panics only for synchronous jobs (see Queue.runEntry);
	// the flag is surfaced so callers and logs can tell them apart.
	IsAsync() bool
	// Run executes the job. Its return value is delivered verbatim to
	// whoever is waiting on the job's Result channel.
	Run(ctx context.Context) (any, error)
}

// Result is what a submitted job resolves to.
type Result struct {
	Value any
	Err   error
}

type entry struct {
	id       uuid.UUID
	priority Priority
	job      Job
	resultCh chan Result
	seq      uint64
}

// pqueue is a container/heap.Interface ordering by priority (high first)
// then submission order within a priority.
type pqueue []*entry

func (pq pqueue) Len() int { return len(pq) }
func (pq pqueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq pqueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *pqueue) Push(x any)   { *pq = append(*pq, x.(*entry)) }
func (pq *pqueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return e
}

// Queue is an unbounded, prioritized job queue served by a single
// worker. Back-pressure is the caller's explicit responsibility.
type Queue struct {
	mu     sync.Mutex
	items  pqueue
	nextSeq uint64
	wake   chan struct{}
	done   chan struct{}

	started bool
}

// New returns an empty, unstarted queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start spawns the single worker goroutine. It runs until ctx is
// canceled. Start must be called at most once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		panic("jobqueue: Start called twice")
	}
	q.started = true
	q.mu.Unlock()

	go q.loop(ctx)
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		e, ok := q.dequeue(ctx)
		if !ok {
			return
		}
		q.runEntry(ctx, e)
	}
}

func (q *Queue) dequeue(ctx context.Context) (*entry, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := heap.Pop(&q.items).(*entry)
			q.mu.Unlock()
			return e, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.wake:
		}
	}
}

// runEntry executes one job, recovering a panicking synchronous job into
// an error Result so the worker survives it; an async job's own error
// (including context cancellation) propagates unchanged.
func (q *Queue) runEntry(ctx context.Context, e *entry) {
	result := func() (r Result) {
		if !e.job.IsAsync() {
			defer func() {
				if p := recover(); p != nil {
					log.Printf("[JobQueue] job %s (priority=%s) panicked: %v", e.id, e.priority, p)
					r = Result{Err: fmt.Errorf("jobqueue: job panicked: %v", p)}
				}
			}()
		}
		v, err := e.job.Run(ctx)
		return Result{Value: v, Err: err}
	}()
	e.resultCh <- result
	close(e.resultCh)
}

// Submit enqueues job at priority and returns a channel that receives
// its single Result once it runs. Dropping the channel (never reading
// it) does not cancel the job; it runs to completion regardless.
func (q *Queue) Submit(job Job, priority Priority) (uuid.UUID, <-chan Result) {
	id := uuid.New()
	e := &entry{id: id, priority: priority, job: job, resultCh: make(chan Result, 1)}

	q.mu.Lock()
	e.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return id, e.resultCh
}

// SubmitAndAwait is the blocking convenience form of Submit.
func (q *Queue) SubmitAndAwait(ctx context.Context, job Job, priority Priority) (Result, error) {
	_, resultCh := q.Submit(job, priority)
	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Len reports how many jobs are currently queued (not counting one
// in-flight on the worker).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Done returns a channel closed once the worker loop has exited after
// its context was canceled.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// FuncJob adapts a plain function into a Job, the common case for small
// bookkeeping tasks that do not warrant a named type.
type FuncJob struct {
	Async bool
	Fn    func(ctx context.Context) (any, error)
}

func (f FuncJob) IsAsync() bool                         { return f.Async }
func (f FuncJob) Run(ctx context.Context) (any, error) { return f.Fn(ctx) }
