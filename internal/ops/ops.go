// Package ops implements the management operations shared by the CLI and
// the HTTP API. Each operation returns a small summary struct.
package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
)

// Scheduler is the subset of scheduler.Scheduler used by the service.
type Scheduler interface {
	DispatchEligible(ctx context.Context, limit int) (int, error)
	ScheduleSource(ctx context.Context, source crawler.Source, frequency crawler.Frequency) (*crawler.CrawlJob, error)
	ScheduleAllActive(ctx context.Context, frequency crawler.Frequency) (scheduler.ScheduleSummary, error)
	AssignRecurringTiers(ctx context.Context) (scheduler.ScheduleSummary, error)
	PauseSource(ctx context.Context, sourceID string) (int, error)
	ResumeSource(ctx context.Context, sourceID string) (int, error)
	CancelPending(ctx context.Context, sourceID string) (int, error)
	Health(ctx context.Context) (scheduler.Health, error)
}

// Processor is the subset of orchestrator.Orchestrator used by the service.
type Processor interface {
	ProcessPending(ctx context.Context, limit int) (orchestrator.ProcessSummary, error)
	SystemStats(ctx context.Context) (orchestrator.SystemStats, error)
	MarkArticlesProcessed(ctx context.Context, ids []string) (int, error)
}

// Config carries the defaults management operations fall back to.
type Config struct {
	StaleRetryWindow time.Duration
	RetentionHorizon time.Duration
	DefaultMaxRetry  int
}

// Service exposes management operations over the stores and components.
type Service struct {
	jobs      crawler.JobStore
	sources   crawler.SourceStore
	scheduler Scheduler
	processor Processor
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Service.
func New(
	jobs crawler.JobStore,
	sources crawler.SourceStore,
	sched Scheduler,
	processor Processor,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.StaleRetryWindow <= 0 {
		cfg.StaleRetryWindow = crawler.DefaultStaleRetryWindow
	}
	if cfg.RetentionHorizon <= 0 {
		cfg.RetentionHorizon = crawler.DefaultRetentionHorizon
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		jobs:      jobs,
		sources:   sources,
		scheduler: sched,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("ops"),
	}
}

// CreateJobRequest describes a manually created job.
type CreateJobRequest struct {
	SourceID    string    `json:"source_id"`
	URL         string    `json:"url"`
	Priority    int       `json:"priority"`
	MaxRetries  int       `json:"max_retries"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CreateJobSummary reports whether a job was created.
type CreateJobSummary struct {
	Created bool              `json:"created"`
	Job     *crawler.CrawlJob `json:"job,omitempty"`
}

// CreateJob creates one job for an existing source.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (CreateJobSummary, error) {
	if strings.TrimSpace(req.URL) == "" {
		return CreateJobSummary{}, fmt.Errorf("%w: url is required", crawler.ErrInvalidArgument)
	}
	if _, err := s.sources.Get(ctx, req.SourceID); err != nil {
		return CreateJobSummary{}, err
	}
	job, err := s.jobs.Create(ctx, req.SourceID, req.URL, crawler.CreateOptions{
		Priority:    req.Priority,
		MaxRetries:  s.maxRetries(req.MaxRetries),
		ScheduledAt: req.ScheduledAt,
		Metadata:    crawler.Metadata{CrawlType: crawler.Classify(req.URL)},
	})
	if err != nil {
		return CreateJobSummary{}, err
	}
	return CreateJobSummary{Created: job != nil, Job: job}, nil
}

// BulkCreateRequest creates jobs for many URLs of one source.
type BulkCreateRequest struct {
	SourceID string   `json:"source_id"`
	URLs     []string `json:"urls"`
	Priority int      `json:"priority"`
}

// BulkCreateSummary counts requested and created jobs.
type BulkCreateSummary struct {
	Requested int      `json:"requested"`
	Created   int      `json:"created"`
	JobIDs    []string `json:"job_ids"`
}

// BulkCreate creates one job per distinct URL, skipping URLs with an active job.
func (s *Service) BulkCreate(ctx context.Context, req BulkCreateRequest) (BulkCreateSummary, error) {
	if len(req.URLs) == 0 {
		return BulkCreateSummary{}, fmt.Errorf("%w: urls are required", crawler.ErrInvalidArgument)
	}
	if _, err := s.sources.Get(ctx, req.SourceID); err != nil {
		return BulkCreateSummary{}, err
	}
	created, err := s.jobs.CreateBulk(ctx, req.SourceID, req.URLs, crawler.CreateOptions{
		Priority:   req.Priority,
		MaxRetries: s.maxRetries(0),
	})
	if err != nil {
		return BulkCreateSummary{}, err
	}
	summary := BulkCreateSummary{Requested: len(req.URLs), Created: len(created), JobIDs: make([]string, 0, len(created))}
	for _, job := range created {
		summary.JobIDs = append(summary.JobIDs, job.ID)
	}
	return summary, nil
}

func (s *Service) maxRetries(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.cfg.DefaultMaxRetry
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id string) (crawler.CrawlJob, error) {
	return s.jobs.Get(ctx, id)
}

// CountSummary is the result of operations that touch a number of rows.
type CountSummary struct {
	Count int `json:"count"`
}

// Dispatch queues up to limit eligible jobs.
func (s *Service) Dispatch(ctx context.Context, limit int) (CountSummary, error) {
	n, err := s.scheduler.DispatchEligible(ctx, limit)
	return CountSummary{Count: n}, err
}

// Process executes up to limit eligible jobs in the calling process.
func (s *Service) Process(ctx context.Context, limit int) (orchestrator.ProcessSummary, error) {
	return s.processor.ProcessPending(ctx, limit)
}

// RetryStale re-queues failed jobs finished within maxAge (default window when zero).
func (s *Service) RetryStale(ctx context.Context, maxAge time.Duration) (CountSummary, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.StaleRetryWindow
	}
	n, err := s.jobs.RetryStale(ctx, maxAge)
	if err != nil {
		return CountSummary{}, err
	}
	s.logger.Info("retried stale jobs", zap.Int("count", n), zap.Duration("window", maxAge))
	return CountSummary{Count: n}, nil
}

// Purge deletes terminal jobs older than age (retention horizon when zero).
func (s *Service) Purge(ctx context.Context, age time.Duration) (CountSummary, error) {
	if age <= 0 {
		age = s.cfg.RetentionHorizon
	}
	n, err := s.jobs.PurgeOlderThan(ctx, age)
	if err != nil {
		return CountSummary{}, err
	}
	s.logger.Info("purged jobs", zap.Int("count", n), zap.Duration("age", age))
	return CountSummary{Count: n}, nil
}

// MarkArticlesProcessed acknowledges articles handled by a downstream consumer.
func (s *Service) MarkArticlesProcessed(ctx context.Context, ids []string) (CountSummary, error) {
	ids = lo.Uniq(lo.Compact(ids))
	if len(ids) == 0 {
		return CountSummary{}, fmt.Errorf("%w: at least one article id is required", crawler.ErrInvalidArgument)
	}
	n, err := s.processor.MarkArticlesProcessed(ctx, ids)
	if err != nil {
		return CountSummary{}, err
	}
	s.logger.Info("marked articles processed", zap.Int("requested", len(ids)), zap.Int("count", n))
	return CountSummary{Count: n}, nil
}

// PauseSource pauses a source's pending jobs.
func (s *Service) PauseSource(ctx context.Context, sourceID string) (CountSummary, error) {
	n, err := s.scheduler.PauseSource(ctx, sourceID)
	return CountSummary{Count: n}, err
}

// ResumeSource resumes a source's paused jobs.
func (s *Service) ResumeSource(ctx context.Context, sourceID string) (CountSummary, error) {
	n, err := s.scheduler.ResumeSource(ctx, sourceID)
	return CountSummary{Count: n}, err
}

// CancelSource cancels a source's pending jobs.
func (s *Service) CancelSource(ctx context.Context, sourceID string) (CountSummary, error) {
	n, err := s.scheduler.CancelPending(ctx, sourceID)
	return CountSummary{Count: n}, err
}

// UpsertSource adds or replaces a catalog entry.
func (s *Service) UpsertSource(ctx context.Context, source crawler.Source) (crawler.Source, error) {
	if source.ID == "" || source.URL == "" {
		return crawler.Source{}, fmt.Errorf("%w: source id and url are required", crawler.ErrInvalidArgument)
	}
	if source.CredibilityScore < 0 || source.CredibilityScore > 1 {
		return crawler.Source{}, fmt.Errorf("%w: credibility score must be within [0, 1]", crawler.ErrInvalidArgument)
	}
	if source.Domain == "" {
		source.Domain = crawler.Hostname(source.URL)
	}
	if err := s.sources.Upsert(ctx, source); err != nil {
		return crawler.Source{}, fmt.Errorf("upsert source: %w", err)
	}
	return s.sources.Get(ctx, source.ID)
}

// ScheduleSource schedules one source at frequency.
func (s *Service) ScheduleSource(
	ctx context.Context,
	sourceID string,
	frequency crawler.Frequency,
) (scheduler.ScheduleSummary, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return scheduler.ScheduleSummary{}, err
	}
	job, err := s.scheduler.ScheduleSource(ctx, src, frequency)
	if err != nil {
		return scheduler.ScheduleSummary{}, err
	}
	if job == nil {
		return scheduler.ScheduleSummary{Skipped: 1}, nil
	}
	return scheduler.ScheduleSummary{Scheduled: 1}, nil
}

// ScheduleAll schedules every active source at frequency.
func (s *Service) ScheduleAll(ctx context.Context, frequency crawler.Frequency) (scheduler.ScheduleSummary, error) {
	return s.scheduler.ScheduleAllActive(ctx, frequency)
}

// AssignTiers schedules active sources by credibility tier.
func (s *Service) AssignTiers(ctx context.Context) (scheduler.ScheduleSummary, error) {
	return s.scheduler.AssignRecurringTiers(ctx)
}

// Snapshot is the combined stats and health view.
type Snapshot struct {
	Pending              int      `json:"pending"`
	Running              int      `json:"running"`
	Completed            int      `json:"completed"`
	Failed               int      `json:"failed"`
	Paused               int      `json:"paused"`
	Cancelled            int      `json:"cancelled"`
	Total                int      `json:"total"`
	AvgCompletionSeconds float64  `json:"avg_completion_seconds"`
	SuccessRate24h       float64  `json:"success_rate_24h"`
	QueueDepth           int      `json:"queue_depth"`
	FailedQueueDepth     int      `json:"failed_queue_depth"`
	ArticlesTotal        int      `json:"articles_total"`
	ArticlesProcessed    int      `json:"articles_processed"`
	SourcesTotal         int      `json:"sources_total"`
	SourcesActive        int      `json:"sources_active"`
	Health               string   `json:"health"`
	Issues               []string `json:"issues"`
}

// Snapshot merges store statistics with queue health.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	stats, err := s.processor.SystemStats(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	health, err := s.scheduler.Health(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	j := stats.Jobs
	snap := Snapshot{
		Pending:              j.Pending,
		Running:              j.Running,
		Completed:            j.Completed,
		Failed:               j.Failed,
		Paused:               j.Paused,
		Cancelled:            j.Cancelled,
		Total:                j.Total,
		AvgCompletionSeconds: j.AvgCompletionSeconds,
		SuccessRate24h:       j.SuccessRate24h(),
		QueueDepth:           health.QueueDepth,
		FailedQueueDepth:     health.FailedDepth,
		ArticlesTotal:        stats.Articles.Total,
		ArticlesProcessed:    stats.Articles.Processed,
		SourcesTotal:         stats.Sources.Total,
		SourcesActive:        stats.Sources.Active,
		Health:               scheduler.StatusHealthy,
		Issues:               append(append([]string{}, stats.Issues...), health.Issues...),
	}
	if len(snap.Issues) > 0 {
		snap.Health = scheduler.StatusDegraded
	}
	return snap, nil
}
