// Package memory provides a channel-backed task queue for single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
var ErrQueueClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory task queue. A task key stays reserved from
// Enqueue until Done, so re-dispatching the same attempt is rejected.
type Queue struct {
	ch       chan crawler.Task
	sendMu   sync.RWMutex
	mu       sync.Mutex
	inFlight map[string]struct{}
	failed   int
	closed   bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:       make(chan crawler.Task, capacity),
		inFlight: make(map[string]struct{}),
	}
}

// Enqueue pushes a task or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	key := task.Key()
	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if _, ok := q.inFlight[key]; ok {
		q.mu.Unlock()
		return crawler.ErrAlreadyQueued
	}
	q.inFlight[key] = struct{}{}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		q.release(key)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	select {
	case <-ctx.Done():
		return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return crawler.Task{}, ErrQueueClosed
		}
		return task, nil
	}
}

// Done releases the task key. A non-nil err counts toward FailedDepth.
func (q *Queue) Done(task crawler.Task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, task.Key())
	if err != nil {
		q.failed++
	}
}

func (q *Queue) release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, key)
}

// Depth reports tasks enqueued but not yet finished.
func (q *Queue) Depth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight), nil
}

// FailedDepth reports how many tasks finished with an error.
func (q *Queue) FailedDepth(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed, nil
}

// Close stops accepting tasks and closes the channel for shutdown.
func (q *Queue) Close() {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
