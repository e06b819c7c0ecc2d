// Package sweep runs the periodic maintenance passes on cron schedules:
// dispatching eligible jobs, re-queueing stale failures, purging old terminal
// jobs and refreshing recurring source tiers.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

// Operations is the subset of ops.Service the sweeps call.
type Operations interface {
	Dispatch(ctx context.Context, limit int) (ops.CountSummary, error)
	RetryStale(ctx context.Context, maxAge time.Duration) (ops.CountSummary, error)
	Purge(ctx context.Context, age time.Duration) (ops.CountSummary, error)
	AssignTiers(ctx context.Context) (scheduler.ScheduleSummary, error)
}

// Config holds cron specs per sweep. An empty spec disables that sweep.
type Config struct {
	DispatchSpec   string
	RetryStaleSpec string
	PurgeSpec      string
	TiersSpec      string
	DispatchLimit  int
	RunTimeout     time.Duration
}

// Runner owns the cron instance driving the sweeps.
type Runner struct {
	cron   *cron.Cron
	ops    Operations
	cfg    Config
	logger *zap.Logger
}

// New registers every configured sweep. Overlapping runs of the same sweep are skipped.
func New(operations Operations, cfg Config, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	logger = logger.Named("sweep")
	clog := cronLogger{logger: logger.Sugar()}
	r := &Runner{
		cron:   cron.New(cron.WithLogger(clog), cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog))),
		ops:    operations,
		cfg:    cfg,
		logger: logger,
	}
	sweeps := []struct {
		name string
		spec string
		fn   func(context.Context) (int, error)
	}{
		{"dispatch", cfg.DispatchSpec, r.dispatch},
		{"retry_stale", cfg.RetryStaleSpec, r.retryStale},
		{"purge", cfg.PurgeSpec, r.purge},
		{"tiers", cfg.TiersSpec, r.tiers},
	}
	for _, s := range sweeps {
		if s.spec == "" {
			continue
		}
		if _, err := r.cron.AddFunc(s.spec, r.wrap(s.name, s.fn)); err != nil {
			return nil, fmt.Errorf("register %s sweep %q: %w", s.name, s.spec, err)
		}
	}
	return r, nil
}

// Entries reports how many sweeps are registered.
func (r *Runner) Entries() int {
	return len(r.cron.Entries())
}

// Start begins running sweeps in the background.
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for running sweeps to finish or ctx to end.
func (r *Runner) Stop(ctx context.Context) {
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Runner) wrap(name string, fn func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RunTimeout)
		defer cancel()
		start := time.Now()
		n, err := fn(ctx)
		if err != nil {
			r.logger.Error("sweep failed", zap.String("sweep", name), zap.Error(err))
			return
		}
		r.logger.Info("sweep finished",
			zap.String("sweep", name),
			zap.Int("count", n),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (r *Runner) dispatch(ctx context.Context) (int, error) {
	s, err := r.ops.Dispatch(ctx, r.cfg.DispatchLimit)
	return s.Count, err
}

func (r *Runner) retryStale(ctx context.Context) (int, error) {
	s, err := r.ops.RetryStale(ctx, 0)
	return s.Count, err
}

func (r *Runner) purge(ctx context.Context) (int, error) {
	s, err := r.ops.Purge(ctx, 0)
	return s.Count, err
}

func (r *Runner) tiers(ctx context.Context) (int, error) {
	s, err := r.ops.AssignTiers(ctx)
	return s.Scheduled, err
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
