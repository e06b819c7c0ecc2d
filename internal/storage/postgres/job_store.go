package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const jobColumns = `id, source_id, url, status, priority, retry_count, max_retries, scheduled_at,
	started_at, completed_at, error_message, metadata, created_at, updated_at`

const insertJobSQL = `
INSERT INTO crawl_jobs (
	id, source_id, url, status, priority, retry_count, max_retries,
	scheduled_at, metadata, created_at, updated_at
) VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, $7, $8, $8)
ON CONFLICT (url) WHERE status IN ('pending', 'running') DO NOTHING
RETURNING ` + jobColumns

const claimJobSQL = `
UPDATE crawl_jobs
SET status = 'running', started_at = $2, completed_at = NULL, error_message = NULL, updated_at = $2
WHERE id = $1 AND status IN ('pending', 'paused')
RETURNING ` + jobColumns

const lockJobSQL = `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1 FOR UPDATE`

const pendingBatchSQL = `
SELECT ` + jobColumns + `
FROM crawl_jobs
WHERE status = 'pending' AND ($1::timestamptz IS NULL OR scheduled_at <= $1)
ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC
LIMIT $2`

const staleCandidatesSQL = `
SELECT f.id, f.url
FROM crawl_jobs f
WHERE f.status = 'failed'
  AND f.retry_count < f.max_retries
  AND f.completed_at >= $1
  AND NOT EXISTS (
	SELECT 1 FROM crawl_jobs a
	WHERE a.url = f.url AND a.id <> f.id AND a.status IN ('pending', 'running')
  )
ORDER BY f.completed_at DESC
FOR UPDATE SKIP LOCKED`

const requeueStaleSQL = `
UPDATE crawl_jobs
SET status = 'pending', error_message = NULL, completed_at = NULL, scheduled_at = $2, updated_at = $3
WHERE id = $1 AND status = 'failed'`

const purgeSQL = `
DELETE FROM crawl_jobs
WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1`

const pauseSourceSQL = `
UPDATE crawl_jobs SET status = 'paused', updated_at = $2
WHERE source_id = $1 AND status = 'pending'`

const resumeSourceSQL = `
UPDATE crawl_jobs j SET status = 'pending', updated_at = $2
WHERE j.id IN (
	SELECT DISTINCT ON (p.url) p.id FROM crawl_jobs p
	WHERE p.source_id = $1 AND p.status = 'paused'
	ORDER BY p.url, p.priority DESC, p.created_at ASC
)
AND NOT EXISTS (
	SELECT 1 FROM crawl_jobs a WHERE a.url = j.url AND a.status IN ('pending', 'running')
)`

const cancelSourceSQL = `
UPDATE crawl_jobs SET status = 'cancelled', completed_at = $2, updated_at = $2
WHERE source_id = $1 AND status = 'pending'`

const statsSQL = `
SELECT
	count(*) FILTER (WHERE status = 'pending'),
	count(*) FILTER (WHERE status = 'running'),
	count(*) FILTER (WHERE status = 'completed'),
	count(*) FILTER (WHERE status = 'failed'),
	count(*) FILTER (WHERE status = 'paused'),
	count(*) FILTER (WHERE status = 'cancelled'),
	count(*),
	COALESCE(avg(EXTRACT(EPOCH FROM completed_at - started_at))
		FILTER (WHERE status = 'completed' AND completed_at >= $1), 0)::float8,
	count(*) FILTER (WHERE status = 'completed' AND completed_at >= $1),
	count(*) FILTER (WHERE status = 'failed' AND completed_at >= $1)
FROM crawl_jobs`

// JobStore persists crawl jobs in the crawl_jobs table. The claim is one
// conditional UPDATE; other transitions lock the row inside a transaction.
type JobStore struct {
	pool  Pool
	clock crawler.Clock
	ids   crawler.IDGenerator
	retry crawler.RetryConfig
}

// NewJobStore constructs a JobStore over an existing pool.
func NewJobStore(
	pool Pool,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	retry crawler.RetryConfig,
) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, clock: clock, ids: ids, retry: retry}, nil
}

// Create inserts a pending job. A URL that already has an active job yields nil, nil.
func (s *JobStore) Create(
	ctx context.Context,
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
	return s.insert(ctx, s.pool, sourceID, normalized, opts)
}

// CreateBulk inserts one job per distinct URL in a single transaction and
// returns only the rows actually created.
func (s *JobStore) CreateBulk(
	ctx context.Context,
	sourceID string,
	urls []string,
	opts crawler.CreateOptions,
) ([]crawler.CrawlJob, error) {
	if err := opts.Metadata.Validate(); err != nil {
		return nil, err
	}
	normalized := lo.Uniq(lo.FilterMap(urls, func(raw string, _ int) (string, bool) {
		u, err := crawler.NormalizeURL(raw)
		return u, err == nil
	}))
	if len(normalized) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk insert: %w", err)
	}
	defer rollback(ctx, tx)

	created := make([]crawler.CrawlJob, 0, len(normalized))
	for _, u := range normalized {
		job, err := s.insert(ctx, tx, sourceID, u, opts)
		if err != nil {
			return nil, err
		}
		if job != nil {
			created = append(created, *job)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk insert: %w", err)
	}
	return created, nil
}

func (s *JobStore) insert(
	ctx context.Context,
	q querier,
	sourceID, normalized string,
	opts crawler.CreateOptions,
) (*crawler.CrawlJob, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.NewJob(id, sourceID, normalized, opts, s.clock.Now())
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := q.QueryRow(ctx, insertJobSQL,
		job.ID, job.SourceID, job.URL, job.Priority, job.MaxRetries, job.ScheduledAt, meta, job.CreatedAt)
	inserted, err := scanJob(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, nil
	case pgErrorCode(err) == foreignKeyViolation:
		return nil, fmt.Errorf("%w: %s", crawler.ErrSourceNotFound, sourceID)
	case err != nil:
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &inserted, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// MarkRunning atomically claims a pending or paused job.
func (s *JobStore) MarkRunning(ctx context.Context, id string) (crawler.CrawlJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, claimJobSQL, id, s.clock.Now()))
	switch {
	case err == nil:
		return job, nil
	case pgErrorCode(err) == uniqueViolation:
		return crawler.CrawlJob{}, crawler.ErrClaimConflict
	case !errors.Is(err, pgx.ErrNoRows):
		return crawler.CrawlJob{}, fmt.Errorf("claim job: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("read job status: %w", err)
	}
	if crawler.JobStatus(status) == crawler.JobStatusRunning {
		return crawler.CrawlJob{}, crawler.ErrClaimConflict
	}
	return crawler.CrawlJob{}, crawler.ValidateTransition(crawler.JobStatus(status), crawler.JobStatusRunning)
}

// MarkCompleted finishes a running job and merges patch into its metadata.
func (s *JobStore) MarkCompleted(ctx context.Context, id string, patch crawler.Metadata) (crawler.CrawlJob, error) {
	return s.withLockedJob(ctx, id, func(job crawler.CrawlJob) (crawler.CrawlJob, error) {
		if err := crawler.ValidateTransition(job.Status, crawler.JobStatusCompleted); err != nil {
			return job, err
		}
		merged := job.Metadata.Merge(patch)
		if err := merged.Validate(); err != nil {
			return job, err
		}
		now := s.clock.Now()
		job.Status = crawler.JobStatusCompleted
		job.Metadata = merged
		job.CompletedAt = &now
		job.UpdatedAt = now
		return job, nil
	})
}

// MarkFailed records a failure; see memory.JobStore.MarkFailed for the rules.
func (s *JobStore) MarkFailed(ctx context.Context, id, message string, shouldRetry bool) (crawler.CrawlJob, error) {
	return s.withLockedJob(ctx, id, func(job crawler.CrawlJob) (crawler.CrawlJob, error) {
		if job.Status != crawler.JobStatusRunning {
			return job, fmt.Errorf("%w: %s -> %s", crawler.ErrInvalidTransition, job.Status, crawler.JobStatusFailed)
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
			job.CompletedAt = &now
		}
		return job, nil
	})
}

func (s *JobStore) withLockedJob(
	ctx context.Context,
	id string,
	mutate func(crawler.CrawlJob) (crawler.CrawlJob, error),
) (crawler.CrawlJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("begin transition: %w", err)
	}
	defer rollback(ctx, tx)

	current, err := scanJob(tx.QueryRow(ctx, lockJobSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrJobNotFound
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("lock job: %w", err)
	}
	next, err := mutate(current)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	meta, err := json.Marshal(next.Metadata)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
UPDATE crawl_jobs
SET status = $2, retry_count = $3, scheduled_at = $4, completed_at = $5,
	error_message = $6, metadata = $7, updated_at = $8
WHERE id = $1`,
		next.ID, string(next.Status), next.RetryCount, next.ScheduledAt, next.CompletedAt,
		next.ErrorMessage, meta, next.UpdatedAt)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("commit transition: %w", err)
	}
	return next, nil
}

// NextPending returns the highest-priority eligible pending job, or nil.
func (s *JobStore) NextPending(ctx context.Context, asOf time.Time) (*crawler.CrawlJob, error) {
	batch, err := s.PendingBatch(ctx, 1, asOf)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return &batch[0], nil
}

// PendingBatch lists pending jobs due at asOf in dispatch order. A zero asOf
// ignores scheduled_at and a non-positive limit returns every row.
func (s *JobStore) PendingBatch(ctx context.Context, limit int, asOf time.Time) ([]crawler.CrawlJob, error) {
	var limitArg *int
	if limit > 0 {
		limitArg = &limit
	}
	rows, err := s.pool.Query(ctx, pendingBatchSQL, nullableTime(asOf), limitArg)
	if err != nil {
		return nil, fmt.Errorf("query pending jobs: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.CrawlJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending jobs: %w", err)
	}
	return out, nil
}

// RetryStale re-queues recently failed jobs that still have retries left,
// each with its own jittered schedule.
func (s *JobStore) RetryStale(ctx context.Context, maxAge time.Duration) (int, error) {
	now := s.clock.Now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin retry stale: %w", err)
	}
	defer rollback(ctx, tx)

	rows, err := tx.Query(ctx, staleCandidatesSQL, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("query stale jobs: %w", err)
	}
	type candidate struct{ id, url string }
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.url); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale job: %w", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale jobs: %w", err)
	}

	count := 0
	for _, c := range lo.UniqBy(candidates, func(c candidate) string { return c.url }) {
		tag, err := tx.Exec(ctx, requeueStaleSQL, c.id, now.Add(s.retry.StaleDelay()), now)
		if err != nil {
			return 0, fmt.Errorf("requeue stale job: %w", err)
		}
		count += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit retry stale: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes terminal jobs whose completion is older than age.
func (s *JobStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, purgeSQL, s.clock.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// PauseSource moves a source's pending jobs to paused.
func (s *JobStore) PauseSource(ctx context.Context, sourceID string) (int, error) {
	return s.execCount(ctx, "pause source", pauseSourceSQL, sourceID)
}

// ResumeSource returns a source's paused jobs to pending, at most one per URL,
// skipping URLs that gained another active job meanwhile.
func (s *JobStore) ResumeSource(ctx context.Context, sourceID string) (int, error) {
	return s.execCount(ctx, "resume source", resumeSourceSQL, sourceID)
}

// CancelPendingSource cancels a source's pending jobs.
func (s *JobStore) CancelPendingSource(ctx context.Context, sourceID string) (int, error) {
	return s.execCount(ctx, "cancel source", cancelSourceSQL, sourceID)
}

func (s *JobStore) execCount(ctx context.Context, op, query, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx, query, sourceID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats aggregates counts per status plus trailing-day completion figures.
func (s *JobStore) Stats(ctx context.Context) (crawler.JobStats, error) {
	var st crawler.JobStats
	err := s.pool.QueryRow(ctx, statsSQL, s.clock.Now().Add(-24*time.Hour)).Scan(
		&st.Pending, &st.Running, &st.Completed, &st.Failed, &st.Paused, &st.Cancelled,
		&st.Total, &st.AvgCompletionSeconds, &st.Completed24h, &st.Failed24h,
	)
	if err != nil {
		return crawler.JobStats{}, fmt.Errorf("query job stats: %w", err)
	}
	return st, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job    crawler.CrawlJob
		status string
		meta   []byte
	)
	err := row.Scan(
		&job.ID, &job.SourceID, &job.URL, &status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &job.ErrorMessage, &meta,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.Metadata, err = crawler.DecodeMetadata(meta)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	return job, nil
}
