package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Server consumes crawl tasks from Redis and hands them to an Executor.
type Server struct {
	srv      *asynq.Server
	executor crawler.Executor
	logger   *zap.Logger
}

// NewServer builds an asynq server for the configured queue.
func NewServer(cfg Config, executor crawler.Executor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	logger = logger.Named("redisq")
	return &Server{
		srv: asynq.NewServer(cfg.clientOpt(), asynq.Config{
			Concurrency:     concurrency,
			Queues:          map[string]int{cfg.queueName(): 1},
			Logger:          logger.Sugar(),
			ShutdownTimeout: 30 * time.Second,
		}),
		executor: executor,
		logger:   logger,
	}
}

// Handler returns the asynq mux routing execute tasks to the executor.
func (s *Server) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecuteJob, s.handleExecute)
	return mux
}

// Run processes tasks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.srv.Start(s.Handler()); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.srv.Shutdown()
	return nil
}

func (s *Server) handleExecute(ctx context.Context, t *asynq.Task) error {
	var task crawler.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode task: %w: %w", err, asynq.SkipRetry)
	}
	result, err := s.executor.Execute(ctx, task.JobID)
	if err != nil {
		s.logger.Error("execute job failed", zap.String("job_id", task.JobID), zap.Error(err))
		return err
	}
	s.logger.Debug("job executed",
		zap.String("job_id", task.JobID),
		zap.String("status", string(result.Status)),
		zap.Bool("skipped", result.Skipped),
	)
	return nil
}
