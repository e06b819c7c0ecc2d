package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// TypeExecuteJob is the asynq task type carrying a crawler.Task payload.
const TypeExecuteJob = "crawl:execute"

// Queue enqueues tasks through asynq and reads depth through its inspector.
// The task key doubles as the asynq task ID, so a repeated attempt is rejected.
type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	redis     *redis.Client
	queue     string
}

// NewQueue builds an asynq-backed queue. redisClient is used for health pings
// and may be nil.
func NewQueue(cfg Config, redisClient *redis.Client) *Queue {
	opt := cfg.clientOpt()
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		redis:     redisClient,
		queue:     cfg.queueName(),
	}
}

// Enqueue pushes the task. Job retries are owned by the job store, so asynq
// never retries a task itself.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = q.enqueue(ctx, task.Key(), payload)
	if !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return err
	}
	// An archived or completed task still holds its ID; clear it so a job
	// left pending by a failed run can be dispatched again.
	released, rerr := q.releaseFinished(task.Key())
	if rerr != nil {
		return rerr
	}
	if !released {
		return crawler.ErrAlreadyQueued
	}
	err = q.enqueue(ctx, task.Key(), payload)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return crawler.ErrAlreadyQueued
	}
	return err
}

func (q *Queue) enqueue(ctx context.Context, key string, payload []byte) error {
	_, err := q.client.EnqueueContext(ctx,
		asynq.NewTask(TypeExecuteJob, payload),
		asynq.Queue(q.queue),
		asynq.TaskID(key),
		asynq.MaxRetry(0),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return err
	}
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// releaseFinished deletes the task with the given ID when it is archived or
// completed. Live tasks are left alone and reported as not released.
func (q *Queue) releaseFinished(key string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.queue, key)
	if errors.Is(err, asynq.ErrTaskNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect task %s: %w", key, err)
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false, nil
	}
	err = q.inspector.DeleteTask(q.queue, key)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete finished task %s: %w", key, err)
	}
	return true, nil
}

// Depth reports pending, active and scheduled tasks.
func (q *Queue) Depth(_ context.Context) (int, error) {
	info, err := q.queueInfo()
	if err != nil || info == nil {
		return 0, err
	}
	return info.Pending + info.Active + info.Scheduled, nil
}

// FailedDepth reports archived and retrying tasks.
func (q *Queue) FailedDepth(_ context.Context) (int, error) {
	info, err := q.queueInfo()
	if err != nil || info == nil {
		return 0, err
	}
	return info.Archived + info.Retry, nil
}

func (q *Queue) queueInfo() (*asynq.QueueInfo, error) {
	queues, err := q.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	if !slices.Contains(queues, q.queue) {
		return nil, nil
	}
	info, err := q.inspector.GetQueueInfo(q.queue)
	if err != nil {
		return nil, fmt.Errorf("queue info: %w", err)
	}
	return info, nil
}

// Ping checks Redis connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if q.redis == nil {
		return nil
	}
	if err := q.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", crawler.ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the asynq client and inspector.
func (q *Queue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}
