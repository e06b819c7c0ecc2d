package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/jitter"
)

var (
	t0      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	jobCols = []string{
		"id", "source_id", "url", "status", "priority", "retry_count", "max_retries", "scheduled_at",
		"started_at", "completed_at", "error_message", "metadata", "created_at", "updated_at",
	}
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

func newTestJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	retry := crawler.RetryConfig{
		Backoff: crawler.NewBackoffPolicy(time.Minute, time.Hour, jitter.New(1)),
		Jitter:  jitter.New(2),
	}
	store, err := NewJobStore(mock, clock.NewManual(t0), fixedIDs{id: "job-1"}, retry)
	require.NoError(t, err)
	return store, mock
}

func jobRow(rows *pgxmock.Rows, id, url string, status crawler.JobStatus, retries int, meta string) *pgxmock.Rows {
	started := t0.Add(-time.Minute)
	return rows.AddRow(
		id, "src-1", url, string(status), 0, retries, 3, t0,
		&started, (*time.Time)(nil), (*string)(nil), []byte(meta), t0, t0,
	)
}

func TestNewJobStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewJobStore(nil, clock.New(), fixedIDs{}, crawler.RetryConfig{})
	require.Error(t, err)
}

func TestCreateInsertsNormalizedURL(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	url := "https://example.com/a"
	mock.ExpectQuery("INSERT INTO crawl_jobs").
		WithArgs("job-1", "src-1", url, 5, 3, t0, pgxmock.AnyArg(), t0).
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", url, crawler.JobStatusPending, 0, `{}`))

	job, err := store.Create(context.Background(), "src-1", url+"?utm_source=x", crawler.CreateOptions{Priority: 5})
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, url, job.URL)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateReturnsNilForActiveDuplicate(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("INSERT INTO crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(jobCols))

	job, err := store.Create(context.Background(), "src-1", "https://example.com/a", crawler.CreateOptions{})
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsForeignKeyViolation(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("INSERT INTO crawl_jobs").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

	_, err := store.Create(context.Background(), "missing", "https://example.com/a", crawler.CreateOptions{})
	require.ErrorIs(t, err, crawler.ErrSourceNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsInvalidMetadata(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	_, err := store.Create(context.Background(), "src-1", "https://example.com/a", crawler.CreateOptions{
		Metadata: crawler.Metadata{CrawlType: "bogus"},
	})
	require.ErrorIs(t, err, crawler.ErrInvalidMetadata)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningClaimsJob(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", t0).
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", "https://example.com/a", crawler.JobStatusRunning, 0, `{}`))

	job, err := store.MarkRunning(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningReportsConflictWhenAlreadyRunning(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", t0).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("running"))

	_, err := store.MarkRunning(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrClaimConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningRejectsTerminalJob(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", t0).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("completed"))

	_, err := store.MarkRunning(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningMissingJob(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("nope", t0).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	_, err := store.MarkRunning(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRunningUniqueViolationIsConflict(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", t0).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	_, err := store.MarkRunning(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrClaimConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedMergesMetadata(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", "https://example.com/a",
			crawler.JobStatusRunning, 0, `{"crawl_type":"content"}`))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "completed", 0, t0, pgxmock.AnyArg(), (*string)(nil), pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job, err := store.MarkCompleted(context.Background(), "job-1", crawler.Metadata{ArticleID: "art-1"})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, crawler.KindContent, job.Metadata.CrawlType)
	require.Equal(t, "art-1", job.Metadata.ArticleID)
	require.NotNil(t, job.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedRejectsPendingJob(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", "https://example.com/a",
			crawler.JobStatusPending, 0, `{}`))
	mock.ExpectRollback()

	_, err := store.MarkCompleted(context.Background(), "job-1", crawler.Metadata{})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedReschedulesWithBackoff(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", "https://example.com/a",
			crawler.JobStatusRunning, 0, `{}`))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "pending", 1, pgxmock.AnyArg(), (*time.Time)(nil), pgxmock.AnyArg(), pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job, err := store.MarkFailed(context.Background(), "job-1", "timeout", true)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, 1, job.RetryCount)
	require.Nil(t, job.CompletedAt)
	require.GreaterOrEqual(t, job.ScheduledAt, t0.Add(30*time.Second))
	require.LessOrEqual(t, job.ScheduledAt, t0.Add(time.Minute))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTerminalAtRetryLimit(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(jobRow(pgxmock.NewRows(jobCols), "job-1", "https://example.com/a",
			crawler.JobStatusRunning, 2, `{}`))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "failed", 3, t0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job, err := store.MarkFailed(context.Background(), "job-1", "boom", true)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, 3, job.RetryCount)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, "boom", *job.ErrorMessage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingBatchScansRows(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	rows := pgxmock.NewRows(jobCols)
	jobRow(rows, "a", "https://example.com/a", crawler.JobStatusPending, 0, `{}`)
	jobRow(rows, "b", "https://example.com/b", crawler.JobStatusPending, 0, `null`)
	mock.ExpectQuery("ORDER BY priority DESC").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	jobs, err := store.PendingBatch(context.Background(), 10, t0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextPendingEmpty(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("ORDER BY priority DESC").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(jobCols))

	job, err := store.NextPending(context.Background(), t0)
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryStaleRequeuesOnePerURL(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(t0.Add(-24 * time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url"}).
			AddRow("a", "https://example.com/a").
			AddRow("b", "https://example.com/a").
			AddRow("c", "https://example.com/c"))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("a", pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("c", pgxmock.AnyArg(), t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	n, err := store.RetryStale(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeOlderThan(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectExec("DELETE FROM crawl_jobs").
		WithArgs(t0.Add(-crawler.DefaultRetentionHorizon)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := store.PurgeOlderThan(context.Background(), crawler.DefaultRetentionHorizon)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceBulkTransitions(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)
	ctx := context.Background()

	mock.ExpectExec("SET status = 'paused'").
		WithArgs("src-1", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectExec("SET status = 'pending'").
		WithArgs("src-1", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectExec("SET status = 'cancelled'").
		WithArgs("src-1", t0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := store.PauseSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = store.ResumeSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = store.CancelPendingSource(ctx, "src-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatsScansAggregates(t *testing.T) {
	t.Parallel()
	store, mock := newTestJobStore(t)

	mock.ExpectQuery("FILTER").
		WithArgs(t0.Add(-24 * time.Hour)).
		WillReturnRows(pgxmock.NewRows([]string{
			"pending", "running", "completed", "failed", "paused", "cancelled",
			"total", "avg", "completed_24h", "failed_24h",
		}).AddRow(5, 1, 10, 2, 0, 1, 19, 12.5, 8, 2))

	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, st.Pending)
	require.Equal(t, 19, st.Total)
	require.InDelta(t, 12.5, st.AvgCompletionSeconds, 1e-9)
	require.InDelta(t, 0.2, st.FailureRate24h(), 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}
