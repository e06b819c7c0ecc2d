// Package worker consumes dispatched tasks and hands each one to the executor.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Queue is the consuming side of an in-process task queue.
type Queue interface {
	Dequeue(ctx context.Context) (crawler.Task, error)
	Done(task crawler.Task, err error)
}

// Worker pulls tasks until its context ends or the queue closes.
type Worker struct {
	id       int
	queue    Queue
	executor crawler.Executor
	logger   *zap.Logger
}

// New constructs a Worker.
func New(id int, queue Queue, executor crawler.Executor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: executor,
		logger:   logger.Named("worker").With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("job_id", task.JobID), zap.Int("attempt", task.Attempt))
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task crawler.Task) {
	result, err := w.executor.Execute(ctx, task.JobID)
	w.queue.Done(task, err)
	if err != nil {
		w.logger.Error("execute job failed", zap.String("job_id", task.JobID), zap.Error(err))
		return
	}
	if result.Skipped {
		w.logger.Debug("task skipped", zap.String("job_id", task.JobID))
		return
	}
	w.logger.Debug("task finished",
		zap.String("job_id", task.JobID),
		zap.String("status", string(result.Status)),
	)
}
