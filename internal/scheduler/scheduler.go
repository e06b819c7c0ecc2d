// Package scheduler decides when pending jobs become runnable, pushes them
// onto the task queue, and keeps sources on their recurring cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Health states reported by Health.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config tunes dispatch and health thresholds. Zero values use defaults.
type Config struct {
	DispatchBatchLimit   int
	QueueDepthThreshold  int
	FailedDepthThreshold int
	ScheduleAllJitter    time.Duration
	JobMaxRetries        int
}

func (c Config) withDefaults() Config {
	if c.DispatchBatchLimit <= 0 {
		c.DispatchBatchLimit = crawler.DefaultDispatchBatchLimit
	}
	if c.QueueDepthThreshold <= 0 {
		c.QueueDepthThreshold = 1000
	}
	if c.FailedDepthThreshold <= 0 {
		c.FailedDepthThreshold = 50
	}
	if c.ScheduleAllJitter <= 0 {
		c.ScheduleAllJitter = time.Hour
	}
	return c
}

// Scheduler coordinates the job store, source catalog, and task queue.
type Scheduler struct {
	jobs    crawler.JobStore
	sources crawler.SourceStore
	queue   crawler.TaskQueue
	clock   crawler.Clock
	jitter  crawler.Jitter
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Scheduler.
func New(
	jobs crawler.JobStore,
	sources crawler.SourceStore,
	queue crawler.TaskQueue,
	clock crawler.Clock,
	jitter crawler.Jitter,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:    jobs,
		sources: sources,
		queue:   queue,
		clock:   clock,
		jitter:  jitter,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("scheduler"),
	}
}

// Dispatch hands one job to the task queue. Re-dispatching the same attempt
// returns crawler.ErrAlreadyQueued.
func (s *Scheduler) Dispatch(ctx context.Context, job crawler.CrawlJob) error {
	task := crawler.Task{JobID: job.ID, Attempt: job.RetryCount}
	err := s.queue.Enqueue(ctx, task)
	switch {
	case err == nil:
		metrics.ObserveDispatch("dispatched")
		return nil
	case errors.Is(err, crawler.ErrAlreadyQueued):
		metrics.ObserveDispatch("duplicate")
		return err
	default:
		metrics.ObserveDispatch("error")
		return fmt.Errorf("enqueue task: %w", err)
	}
}

// DispatchEligible dispatches up to limit due pending jobs in priority order
// and returns how many were newly queued. Queue failures leave jobs pending.
func (s *Scheduler) DispatchEligible(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.cfg.DispatchBatchLimit
	}
	batch, err := s.jobs.PendingBatch(ctx, limit, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("load pending batch: %w", err)
	}
	dispatched := 0
	for _, job := range batch {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}
		err := s.Dispatch(ctx, job)
		switch {
		case err == nil:
			dispatched++
		case errors.Is(err, crawler.ErrAlreadyQueued):
			s.logger.Debug("job already queued", zap.String("job_id", job.ID))
		default:
			s.logger.Warn("dispatch failed; job stays pending",
				zap.String("job_id", job.ID),
				zap.String("url", job.URL),
				zap.Error(err),
			)
		}
	}
	if dispatched > 0 {
		s.logger.Info("dispatched jobs", zap.Int("count", dispatched), zap.Int("eligible", len(batch)))
	}
	return dispatched, nil
}

// FrequencyJitter returns the upper bound of the random delay applied when
// scheduling a source at frequency f.
func FrequencyJitter(f crawler.Frequency) time.Duration {
	switch f {
	case crawler.FrequencyHourly:
		return 30 * time.Minute
	case crawler.FrequencyDaily:
		return 2 * time.Hour
	case crawler.FrequencyWeekly:
		return 6 * time.Hour
	case crawler.FrequencyMonthly:
		return 12 * time.Hour
	default:
		return 0
	}
}

// ScheduleSource creates a job for the source's URL at now plus a jittered
// delay sized by frequency, then stamps the source. A nil job means the URL
// already had an active job.
func (s *Scheduler) ScheduleSource(
	ctx context.Context,
	source crawler.Source,
	frequency crawler.Frequency,
) (*crawler.CrawlJob, error) {
	return s.schedule(ctx, source, frequency, s.delay(FrequencyJitter(frequency)))
}

func (s *Scheduler) schedule(
	ctx context.Context,
	source crawler.Source,
	frequency crawler.Frequency,
	delay time.Duration,
) (*crawler.CrawlJob, error) {
	if _, err := crawler.ParseFrequency(string(frequency)); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	job, err := s.jobs.Create(ctx, source.ID, source.URL, crawler.CreateOptions{
		MaxRetries:  s.cfg.JobMaxRetries,
		ScheduledAt: now.Add(delay),
		Metadata: crawler.Metadata{
			CrawlType: crawler.Classify(source.URL),
			Frequency: frequency,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create source job: %w", err)
	}
	if err := s.sources.MarkScheduled(ctx, source.ID, now); err != nil {
		return job, fmt.Errorf("mark source scheduled: %w", err)
	}
	if job != nil {
		metrics.ObserveScheduled(string(frequency), 1)
		s.logger.Debug("scheduled source",
			zap.String("source_id", source.ID),
			zap.String("job_id", job.ID),
			zap.Duration("delay", delay),
		)
	}
	return job, nil
}

func (s *Scheduler) delay(maxDelay time.Duration) time.Duration {
	if maxDelay <= 0 || s.jitter == nil {
		return 0
	}
	return s.jitter.Between(0, maxDelay)
}

// ScheduleSummary counts the outcome of a bulk scheduling pass.
type ScheduleSummary struct {
	Scheduled int            `json:"scheduled"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	ByTier    map[string]int `json:"by_tier,omitempty"`
}

// ScheduleAllActive schedules every active source with a 0–60m spread.
func (s *Scheduler) ScheduleAllActive(ctx context.Context, frequency crawler.Frequency) (ScheduleSummary, error) {
	if _, err := crawler.ParseFrequency(string(frequency)); err != nil {
		return ScheduleSummary{}, err
	}
	sources, err := s.sources.ListActive(ctx)
	if err != nil {
		return ScheduleSummary{}, fmt.Errorf("list active sources: %w", err)
	}
	var summary ScheduleSummary
	for _, src := range sources {
		job, err := s.schedule(ctx, src, frequency, s.delay(s.cfg.ScheduleAllJitter))
		s.tally(&summary, src, job, err)
	}
	s.logger.Info("scheduled active sources",
		zap.String("frequency", string(frequency)),
		zap.Int("count", summary.Scheduled),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// TierFor maps a credibility score to a recurring frequency.
func TierFor(credibility float64) crawler.Frequency {
	switch {
	case credibility >= 0.8:
		return crawler.FrequencyHourly
	case credibility >= 0.5:
		return crawler.FrequencyDaily
	default:
		return crawler.FrequencyWeekly
	}
}

// TierPeriod is how long a source stays scheduled at frequency f.
func TierPeriod(f crawler.Frequency) time.Duration {
	switch f {
	case crawler.FrequencyHourly:
		return time.Hour
	case crawler.FrequencyDaily:
		return 24 * time.Hour
	case crawler.FrequencyWeekly:
		return 7 * 24 * time.Hour
	case crawler.FrequencyMonthly:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

// AssignRecurringTiers schedules each active source at the frequency its
// credibility earns, skipping sources scheduled within their tier period.
func (s *Scheduler) AssignRecurringTiers(ctx context.Context) (ScheduleSummary, error) {
	sources, err := s.sources.ListActive(ctx)
	if err != nil {
		return ScheduleSummary{}, fmt.Errorf("list active sources: %w", err)
	}
	now := s.clock.Now()
	summary := ScheduleSummary{ByTier: map[string]int{}}
	for _, src := range sources {
		tier := TierFor(src.CredibilityScore)
		if src.LastScheduledAt != nil && now.Sub(*src.LastScheduledAt) < TierPeriod(tier) {
			summary.Skipped++
			continue
		}
		job, err := s.ScheduleSource(ctx, src, tier)
		s.tally(&summary, src, job, err)
		if err == nil && job != nil {
			summary.ByTier[string(tier)]++
		}
	}
	s.logger.Info("assigned recurring tiers",
		zap.Int("count", summary.Scheduled),
		zap.Int("skipped", summary.Skipped),
		zap.Any("tiers", summary.ByTier),
	)
	return summary, nil
}

func (s *Scheduler) tally(summary *ScheduleSummary, src crawler.Source, job *crawler.CrawlJob, err error) {
	switch {
	case err != nil:
		summary.Failed++
		s.logger.Warn("schedule source failed", zap.String("source_id", src.ID), zap.Error(err))
	case job == nil:
		summary.Skipped++
	default:
		summary.Scheduled++
	}
}

// PauseSource pauses the source's pending jobs.
func (s *Scheduler) PauseSource(ctx context.Context, sourceID string) (int, error) {
	return s.bySource(ctx, sourceID, "pause", s.jobs.PauseSource)
}

// ResumeSource returns the source's paused jobs to pending.
func (s *Scheduler) ResumeSource(ctx context.Context, sourceID string) (int, error) {
	return s.bySource(ctx, sourceID, "resume", s.jobs.ResumeSource)
}

// CancelPending cancels the source's pending jobs. Running jobs finish.
func (s *Scheduler) CancelPending(ctx context.Context, sourceID string) (int, error) {
	return s.bySource(ctx, sourceID, "cancel", s.jobs.CancelPendingSource)
}

func (s *Scheduler) bySource(
	ctx context.Context,
	sourceID, op string,
	apply func(context.Context, string) (int, error),
) (int, error) {
	if _, err := s.sources.Get(ctx, sourceID); err != nil {
		return 0, err
	}
	n, err := apply(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	s.logger.Info(op+" source jobs", zap.String("source_id", sourceID), zap.Int("count", n))
	return n, nil
}

// Health is a queue health snapshot.
type Health struct {
	Status      string   `json:"status"`
	QueueDepth  int      `json:"queue_depth"`
	FailedDepth int      `json:"failed_queue_depth"`
	Issues      []string `json:"issues,omitempty"`
}

// Health reports queue depth and flags backlogs above the thresholds.
func (s *Scheduler) Health(ctx context.Context) (Health, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("queue depth: %w", err)
	}
	failed, err := s.queue.FailedDepth(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("failed queue depth: %w", err)
	}
	metrics.SetQueueDepth(depth, failed)

	h := Health{Status: StatusHealthy, QueueDepth: depth, FailedDepth: failed}
	if depth > s.cfg.QueueDepthThreshold {
		h.Issues = append(h.Issues, "high queue size")
	}
	if failed > s.cfg.FailedDepthThreshold {
		h.Issues = append(h.Issues, "high failed queue size")
	}
	if len(h.Issues) > 0 {
		h.Status = StatusDegraded
	}
	return h, nil
}
