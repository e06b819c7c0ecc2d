package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue/memory"
)

type fakeExecutor struct {
	mu    sync.Mutex
	seen  []string
	errOn map[string]error
}

func (e *fakeExecutor) Execute(_ context.Context, jobID string) (crawler.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, jobID)
	if err := e.errOn[jobID]; err != nil {
		return crawler.ExecutionResult{JobID: jobID}, err
	}
	return crawler.ExecutionResult{JobID: jobID, Status: crawler.JobStatusCompleted}, nil
}

func (e *fakeExecutor) jobs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.seen...)
}

func TestWorkerExecutesTasksAndReleasesKeys(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := memory.NewQueue(4)
	exec := &fakeExecutor{errOn: map[string]error{"job-2": errors.New("db down")}}
	w := New(1, q, exec, zap.NewNop())

	require.NoError(t, q.Enqueue(ctx, crawler.Task{JobID: "job-1"}))
	require.NoError(t, q.Enqueue(ctx, crawler.Task{JobID: "job-2"}))

	go w.Run(ctx)

	require.Eventually(t, func() bool {
		depth, err := q.Depth(ctx)
		return err == nil && depth == 0
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"job-1", "job-2"}, exec.jobs())

	failed, err := q.FailedDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	require.NoError(t, q.Enqueue(ctx, crawler.Task{JobID: "job-1"}))
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()
	q := memory.NewQueue(1)
	w := New(1, q, &fakeExecutor{}, nil)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}
