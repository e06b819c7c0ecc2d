package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ProcessSummary counts the outcomes of a synchronous processing pass.
type ProcessSummary struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ProcessPending executes up to limit due pending jobs in dispatch order,
// bypassing the task queue.
func (o *Orchestrator) ProcessPending(ctx context.Context, limit int) (ProcessSummary, error) {
	if limit <= 0 {
		limit = o.cfg.ProcessBatchLimit
	}
	batch, err := o.jobs.PendingBatch(ctx, limit, o.clock.Now())
	if err != nil {
		return ProcessSummary{}, fmt.Errorf("load pending batch: %w", err)
	}
	var summary ProcessSummary
	for _, job := range batch {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res, err := o.Execute(ctx, job.ID)
		if err != nil {
			return summary, err
		}
		summary.add(res)
	}
	if summary.Processed > 0 {
		o.logger.Info("processed pending jobs",
			zap.Int("count", summary.Processed),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
		)
	}
	return summary, nil
}

func (s *ProcessSummary) add(res crawler.ExecutionResult) {
	if res.Skipped {
		s.Skipped++
		return
	}
	s.Processed++
	switch res.Status {
	case crawler.JobStatusCompleted:
		s.Completed++
	case crawler.JobStatusPending:
		s.Retrying++
	case crawler.JobStatusFailed:
		s.Failed++
	}
}

// MarkArticlesProcessed records that downstream consumers have handled the
// given articles, which feeds the processed ratio in SystemStats.
func (o *Orchestrator) MarkArticlesProcessed(ctx context.Context, ids []string) (int, error) {
	if o.articles == nil || len(ids) == 0 {
		return 0, nil
	}
	n, err := o.articles.MarkProcessed(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("mark articles processed: %w", err)
	}
	return n, nil
}

// SystemStats is a combined view of jobs, articles, and sources.
type SystemStats struct {
	Jobs     crawler.JobStats     `json:"jobs"`
	Articles crawler.ArticleStats `json:"articles"`
	Sources  crawler.SourceStats  `json:"sources"`
	Health   string               `json:"health"`
	Issues   []string             `json:"issues,omitempty"`
}

// SystemStats aggregates store statistics and flags degradation.
func (o *Orchestrator) SystemStats(ctx context.Context) (SystemStats, error) {
	jobs, err := o.jobs.Stats(ctx)
	if err != nil {
		return SystemStats{}, fmt.Errorf("job stats: %w", err)
	}
	stats := SystemStats{Jobs: jobs, Health: "healthy"}
	if o.articles != nil {
		if stats.Articles, err = o.articles.Stats(ctx); err != nil {
			return SystemStats{}, fmt.Errorf("article stats: %w", err)
		}
	}
	if o.sources != nil {
		if stats.Sources, err = o.sources.Stats(ctx); err != nil {
			return SystemStats{}, fmt.Errorf("source stats: %w", err)
		}
	}

	if rate := jobs.FailureRate24h(); rate > o.cfg.FailureRateLimit {
		stats.Issues = append(stats.Issues, fmt.Sprintf("high failure rate: %.0f%%", rate*100))
	}
	if jobs.Pending > o.cfg.PendingLimit {
		stats.Issues = append(stats.Issues, fmt.Sprintf("large pending backlog: %d", jobs.Pending))
	}
	if a := stats.Articles; a.Total > 0 {
		if ratio := float64(a.Processed) / float64(a.Total); ratio < o.cfg.ProcessedRatioMin {
			stats.Issues = append(stats.Issues, fmt.Sprintf("low processed ratio: %.0f%%", ratio*100))
		}
	}
	if len(stats.Issues) > 0 {
		stats.Health = "degraded"
	}
	return stats, nil
}
