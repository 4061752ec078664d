// internal/delivery/queue.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrQueueFull = errors.New("delivery lane full")

// Queue manages per-subscription lanes with a global concurrency
// semaphore. Each subscription gets its own FIFO channel (lane) so
// deliveries for one subscription happen in the order they were
// enqueued, while the semaphore limits total parallel sends across
// subscriptions.
type Queue struct {
	lanes     map[string]chan *Job
	laneSize  int
	semaphore *semaphore.Weighted
	processor func(*Job) error
	active    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue allowing up to maxConcurrent simultaneous
// deliveries. laneSize <= 0 falls back to 100 queued jobs per
// subscription.
func NewQueue(maxConcurrent int64, laneSize int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if laneSize <= 0 {
		laneSize = 100
	}
	return &Queue{
		lanes:     make(map[string]chan *Job),
		laneSize:  laneSize,
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// SetProcessor sets the function invoked for each dequeued job.
func (q *Queue) SetProcessor(fn func(*Job) error) {
	q.processor = fn
}

// Start initialises the queue's context. Must be called before
// Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for
// in-flight deliveries to finish.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	for _, lane := range q.lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a job to its subscription's lane, creating the lane
// (and its goroutine) on first use. Returns ErrQueueFull when the
// lane's buffer is full.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	subID := job.Subscription.ID
	lane, exists := q.lanes[subID]
	if !exists {
		lane = make(chan *Job, q.laneSize)
		q.lanes[subID] = lane
		q.wg.Add(1)
		go q.processLane(subID, lane)
	}

	select {
	case lane <- job:
		return nil
	default:
		return fmt.Errorf("%w for subscription %s", ErrQueueFull, subID)
	}
}

// Drop closes and forgets the lane for a subscription that no longer
// exists. Queued jobs in the lane still drain before the goroutine
// exits.
func (q *Queue) Drop(subscriptionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, ok := q.lanes[subscriptionID]; ok {
		close(lane)
		delete(q.lanes, subscriptionID)
	}
}

// processLane drains a single subscription lane, acquiring a semaphore
// slot before invoking the processor synchronously. Strict FIFO within
// the lane preserves per-subscription delivery order.
func (q *Queue) processLane(subID string, lane chan *Job) {
	defer q.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.run(job)
			q.semaphore.Release(1)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) run(job *Job) {
	if q.processor == nil {
		return
	}
	q.active.Add(1)
	defer q.active.Add(-1)

	started := time.Now()
	job.Status = JobStatusSending
	job.StartedAt = &started

	err := q.processor(job)

	ended := time.Now()
	job.EndedAt = &ended
	if err != nil {
		job.Status = JobStatusFailed
		job.Err = err
		return
	}
	job.Status = JobStatusDelivered
}

// WaitIdle blocks until no deliveries are actively being processed, or
// the timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}
