// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// JobStore is an in-memory crawler.JobStore. A single mutex serializes every
// transition, which gives the same claim guarantees as a conditional UPDATE.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]crawler.CrawlJob
	clock crawler.Clock
	ids   crawler.IDGenerator
	retry crawler.RetryConfig
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock crawler.Clock, ids crawler.IDGenerator, retry crawler.RetryConfig) *JobStore {
	return &JobStore{
		jobs:  make(map[string]crawler.CrawlJob),
		clock: clock,
		ids:   ids,
		retry: retry,
	}
}

// Create inserts a pending job unless the URL already has an active job,
// in which case it returns nil without error.
func (s *JobStore) Create(
	_ context.Context,
	sourceID, rawURL string,
	opts crawler.CreateOptions,
) (*crawler.CrawlJob, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := opts.Metadata.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(sourceID, normalized, opts)
}

// CreateBulk creates one job per URL, skipping duplicates and malformed URLs.
func (s *JobStore) CreateBulk(
	_ context.Context,
	sourceID string,
	urls []string,
	opts crawler.CreateOptions,
) ([]crawler.CrawlJob, error) {
	if err := opts.Metadata.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	created := make([]crawler.CrawlJob, 0, len(urls))
	for _, raw := range urls {
		normalized, err := crawler.NormalizeURL(raw)
		if err != nil {
			continue
		}
		job, err := s.createLocked(sourceID, normalized, opts)
		if err != nil {
			return created, err
		}
		if job != nil {
			created = append(created, *job)
		}
	}
	return created, nil
}

func (s *JobStore) createLocked(sourceID, normalized string, opts crawler.CreateOptions) (*crawler.CrawlJob, error) {
	if s.hasActiveLocked(normalized, "") {
		return nil, nil
	}
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewJob(id, sourceID, normalized, opts, s.clock.Now())
	s.jobs[id] = job
	return &job, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	return job, nil
}

// MarkRunning claims a pending or paused job.
func (s *JobStore) MarkRunning(_ context.Context, id string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if job.Status == crawler.JobStatusRunning {
		return crawler.CrawlJob{}, crawler.ErrClaimConflict
	}
	if err := crawler.ValidateTransition(job.Status, crawler.JobStatusRunning); err != nil {
		return crawler.CrawlJob{}, err
	}
	if job.Status == crawler.JobStatusPaused && s.hasActiveLocked(job.URL, job.ID) {
		return crawler.CrawlJob{}, crawler.ErrClaimConflict
	}
	now := s.clock.Now()
	job.Status = crawler.JobStatusRunning
	job.StartedAt = pointerTime(now)
	job.CompletedAt = nil
	job.ErrorMessage = nil
	job.UpdatedAt = now
	s.jobs[id] = job
	return job, nil
}

// MarkCompleted finishes a running job and merges patch into its metadata.
func (s *JobStore) MarkCompleted(_ context.Context, id string, patch crawler.Metadata) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err := crawler.ValidateTransition(job.Status, crawler.JobStatusCompleted); err != nil {
		return crawler.CrawlJob{}, err
	}
	merged := job.Metadata.Merge(patch)
	if err := merged.Validate(); err != nil {
		return crawler.CrawlJob{}, err
	}
	now := s.clock.Now()
	job.Status = crawler.JobStatusCompleted
	job.Metadata = merged
	job.CompletedAt = pointerTime(now)
	job.UpdatedAt = now
	s.jobs[id] = job
	return job, nil
}

// MarkFailed records a failure on a running job. The job goes back to pending
// with a backoff when shouldRetry holds and retries remain; otherwise it is
// terminally failed.
func (s *JobStore) MarkFailed(_ context.Context, id, message string, shouldRetry bool) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if job.Status != crawler.JobStatusRunning {
		return crawler.CrawlJob{}, fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, job.Status, crawler.JobStatusFailed)
	}
	now := s.clock.Now()
	msg := crawler.TruncateError(message)
	job.RetryCount = min(job.RetryCount+1, job.MaxRetries)
	job.ErrorMessage = &msg
	job.UpdatedAt = now
	if shouldRetry && job.RetryCount < job.MaxRetries {
		job.Status = crawler.JobStatusPending
		job.CompletedAt = nil
		job.ScheduledAt = now.Add(s.retry.FailureDelay(job.RetryCount))
	} else {
		job.Status = crawler.JobStatusFailed
		job.CompletedAt = pointerTime(now)
	}
	s.jobs[id] = job
	return job, nil
}

// NextPending returns the highest-priority eligible pending job, or nil.
func (s *JobStore) NextPending(ctx context.Context, asOf time.Time) (*crawler.CrawlJob, error) {
	batch, err := s.PendingBatch(ctx, 1, asOf)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return &batch[0], nil
}

// PendingBatch lists pending jobs due at asOf (all pending when asOf is zero)
// ordered by priority desc, scheduled_at asc, created_at asc.
func (s *JobStore) PendingBatch(_ context.Context, limit int, asOf time.Time) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlJob, 0)
	for _, job := range s.jobs {
		if job.Status != crawler.JobStatusPending {
			continue
		}
		if !asOf.IsZero() && job.ScheduledAt.After(asOf) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		return dispatchLess(out[i], out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetryStale re-queues recently failed jobs that still have retries left.
func (s *JobStore) RetryStale(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	cutoff := now.Add(-maxAge)
	count := 0
	for id, job := range s.jobs {
		if job.Status != crawler.JobStatusFailed || job.RetryCount >= job.MaxRetries {
			continue
		}
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		if s.hasActiveLocked(job.URL, job.ID) {
			continue
		}
		job.Status = crawler.JobStatusPending
		job.ErrorMessage = nil
		job.CompletedAt = nil
		job.ScheduledAt = now.Add(s.retry.StaleDelay())
		job.UpdatedAt = now
		s.jobs[id] = job
		count++
	}
	return count, nil
}

// PurgeOlderThan deletes terminal jobs whose completion is older than age.
func (s *JobStore) PurgeOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-age)
	count := 0
	for id, job := range s.jobs {
		if !crawler.IsTerminal(job.Status) || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

// PauseSource moves a source's pending jobs to paused.
func (s *JobStore) PauseSource(_ context.Context, sourceID string) (int, error) {
	return s.bulkTransition(sourceID, crawler.JobStatusPending, crawler.JobStatusPaused), nil
}

// ResumeSource moves a source's paused jobs back to pending. A paused job
// whose URL has since gained another active job stays paused.
func (s *JobStore) ResumeSource(_ context.Context, sourceID string) (int, error) {
	return s.bulkTransition(sourceID, crawler.JobStatusPaused, crawler.JobStatusPending), nil
}

// CancelPendingSource cancels a source's pending jobs. Running jobs are untouched.
func (s *JobStore) CancelPendingSource(_ context.Context, sourceID string) (int, error) {
	return s.bulkTransition(sourceID, crawler.JobStatusPending, crawler.JobStatusCancelled), nil
}

func (s *JobStore) bulkTransition(sourceID string, from, to crawler.JobStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	count := 0
	for id, job := range s.jobs {
		if job.SourceID != sourceID || job.Status != from {
			continue
		}
		if to == crawler.JobStatusPending && s.hasActiveLocked(job.URL, job.ID) {
			continue
		}
		job.Status = to
		job.UpdatedAt = now
		if crawler.IsTerminal(to) {
			job.CompletedAt = pointerTime(now)
		}
		s.jobs[id] = job
		count++
	}
	return count
}

// Stats aggregates counts per status plus trailing-day completion figures.
func (s *JobStore) Stats(_ context.Context) (crawler.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since := s.clock.Now().Add(-24 * time.Hour)
	var (
		stats    crawler.JobStats
		totalDur time.Duration
	)
	for _, job := range s.jobs {
		stats.Total++
		switch job.Status {
		case crawler.JobStatusPending:
			stats.Pending++
		case crawler.JobStatusRunning:
			stats.Running++
		case crawler.JobStatusCompleted:
			stats.Completed++
		case crawler.JobStatusFailed:
			stats.Failed++
		case crawler.JobStatusPaused:
			stats.Paused++
		case crawler.JobStatusCancelled:
			stats.Cancelled++
		}
		if job.CompletedAt == nil || job.CompletedAt.Before(since) {
			continue
		}
		switch job.Status {
		case crawler.JobStatusCompleted:
			stats.Completed24h++
			if job.StartedAt != nil {
				totalDur += job.CompletedAt.Sub(*job.StartedAt)
			}
		case crawler.JobStatusFailed:
			stats.Failed24h++
		}
	}
	if stats.Completed24h > 0 {
		stats.AvgCompletionSeconds = totalDur.Seconds() / float64(stats.Completed24h)
	}
	return stats, nil
}

func (s *JobStore) hasActiveLocked(url, exceptID string) bool {
	for id, job := range s.jobs {
		if id != exceptID && job.URL == url && job.Active() {
			return true
		}
	}
	return false
}

func dispatchLess(a, b crawler.CrawlJob) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
