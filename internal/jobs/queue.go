// Package jobs is the in-process job execution substrate: keyed, idempotent
// enqueue, delayed scheduling, pending-only cancellation, and an explicit
// retry-after outcome distinct from failure.
package jobs

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

type outcomeKind int

const (
	kindDone outcomeKind = iota
	kindFailed
	kindRetryAfter
)

// Outcome is what a job run reports back to the queue.
type Outcome struct {
	kind  outcomeKind
	after time.Duration
	err   error
}

// Done reports successful completion; the key is released.
func Done() Outcome { return Outcome{kind: kindDone} }

// Failed reports a non-retryable failure; the key is released and the error
// is logged. Callers that want another attempt re-enqueue on a later tick.
func Failed(err error) Outcome { return Outcome{kind: kindFailed, err: err} }

// RetryAfter asks the queue to run the same job again after d, keeping the
// key held in the meantime. This is not a failure.
func RetryAfter(d time.Duration) Outcome { return Outcome{kind: kindRetryAfter, after: d} }

// RunFunc is the body of a job.
type RunFunc func(ctx context.Context) Outcome

// Job is one unit of work. Key is the idempotency key: while a job with the
// same key is pending or running, further enqueues are no-ops.
type Job struct {
	Key   string
	Delay time.Duration
	Run   RunFunc
}

type entryState int

const (
	statePending entryState = iota
	stateRunning
)

type entry struct {
	job   Job
	state entryState
	timer *time.Timer
}

// Queue runs jobs on their own goroutines, at most one live job per key.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates an empty queue. Jobs receive a context cancelled by Stop.
func NewQueue() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue schedules j after j.Delay. It returns false without side effects
// when a job with the same key is already pending or running, or when the
// queue is stopped; duplicate detection is the expected case, not an error.
func (q *Queue) Enqueue(j Job) bool {
	if j.Key == "" || j.Run == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if _, exists := q.entries[j.Key]; exists {
		return false
	}
	e := &entry{job: j, state: statePending}
	e.timer = time.AfterFunc(j.Delay, func() { q.start(j.Key) })
	q.entries[j.Key] = e
	return true
}

// CancelPending cancels a job that has not started yet. Running jobs are
// never killed; they terminate on their own checks.
func (q *Queue) CancelPending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	if !ok || e.state != statePending {
		return false
	}
	e.timer.Stop()
	delete(q.entries, key)
	return true
}

// Pending reports whether a job with key is waiting to start.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	return ok && e.state == statePending
}

// Running reports whether a job with key is currently executing.
func (q *Queue) Running(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[key]
	return ok && e.state == stateRunning
}

// Len returns the number of held keys (pending plus running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) start(key string) {
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok || e.state != statePending || q.closed {
		q.mu.Unlock()
		return
	}
	e.state = stateRunning
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(key, e.job)
}

func (q *Queue) run(key string, j Job) {
	defer q.wg.Done()
	out := q.safeRun(j)
	switch out.kind {
	case kindRetryAfter:
		q.mu.Lock()
		if q.closed {
			delete(q.entries, key)
			q.mu.Unlock()
			return
		}
		e := q.entries[key]
		e.state = statePending
		e.timer = time.AfterFunc(out.after, func() { q.start(key) })
		q.mu.Unlock()
	case kindFailed:
		if out.err != nil {
			slog.Error("job failed", "key", key, "err", out.err)
		}
		q.release(key)
	default:
		q.release(key)
	}
}

// safeRun recovers panics so one crashing job cannot take the process down;
// a crashed job is reported as failed and its key released, leaving the
// durable state (not worker memory) as the source of truth for retries.
func (q *Queue) safeRun(j Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "key", j.Key, "panic", r, "stack", string(debug.Stack()))
			out = Outcome{kind: kindFailed}
		}
	}()
	return j.Run(q.ctx)
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	delete(q.entries, key)
	q.mu.Unlock()
}

// Stop cancels pending jobs, signals running jobs via context, and waits up
// to wait for them to drain.
func (q *Queue) Stop(wait time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, e := range q.entries {
		if e.state == statePending {
			e.timer.Stop()
			delete(q.entries, key)
		}
	}
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
	}
}
