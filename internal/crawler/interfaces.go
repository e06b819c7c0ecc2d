package crawler

import (
	"context"
	"time"
)

// JobStore owns CrawlJob rows and performs every status transition.
// Mutations are conditional on the current status so concurrent callers
// cannot both win the same transition.
type JobStore interface {
	Create(ctx context.Context, sourceID, url string, opts CreateOptions) (*CrawlJob, error)
	CreateBulk(ctx context.Context, sourceID string, urls []string, opts CreateOptions) ([]CrawlJob, error)
	Get(ctx context.Context, id string) (CrawlJob, error)
	MarkRunning(ctx context.Context, id string) (CrawlJob, error)
	MarkCompleted(ctx context.Context, id string, patch Metadata) (CrawlJob, error)
	MarkFailed(ctx context.Context, id string, message string, shouldRetry bool) (CrawlJob, error)
	NextPending(ctx context.Context, asOf time.Time) (*CrawlJob, error)
	PendingBatch(ctx context.Context, limit int, asOf time.Time) ([]CrawlJob, error)
	RetryStale(ctx context.Context, maxAge time.Duration) (int, error)
	PurgeOlderThan(ctx context.Context, age time.Duration) (int, error)
	PauseSource(ctx context.Context, sourceID string) (int, error)
	ResumeSource(ctx context.Context, sourceID string) (int, error)
	CancelPendingSource(ctx context.Context, sourceID string) (int, error)
	Stats(ctx context.Context) (JobStats, error)
}

// SourceStore reads the source catalog and records scheduling stamps.
type SourceStore interface {
	Get(ctx context.Context, id string) (Source, error)
	ListActive(ctx context.Context) ([]Source, error)
	Upsert(ctx context.Context, source Source) error
	MarkScheduled(ctx context.Context, id string, at time.Time) error
	Stats(ctx context.Context) (SourceStats, error)
}

// ArticleStore persists extracted content, deduplicating by URL or content hash.
type ArticleStore interface {
	Save(ctx context.Context, article Article) (Article, error)
	// MarkProcessed flags articles as consumed downstream and returns how
	// many changed. Unknown or already processed IDs are ignored.
	MarkProcessed(ctx context.Context, ids []string) (int, error)
	Stats(ctx context.Context) (ArticleStats, error)
}

// TaskQueue hands dispatched jobs to workers.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Depth(ctx context.Context) (int, error)
	FailedDepth(ctx context.Context) (int, error)
}

// Backend fetches a URL and extracts a uniform Page.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, request FetchRequest) FetchResult
}

// Discoverer finds candidate URLs starting from a discovery URL.
type Discoverer interface {
	Discover(ctx context.Context, url string, sourceID string) ([]string, error)
}

// Enqueuer turns discovered URLs into new pending jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, urls []string, sourceID string, priority int, parent string) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter throttles outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Jitter produces randomized delays.
type Jitter interface {
	Between(minDelay, maxDelay time.Duration) time.Duration
}

// Executor runs one dispatched job to an outcome. The error is reserved for
// store failures; crawl failures are recorded on the job instead.
type Executor interface {
	Execute(ctx context.Context, jobID string) (ExecutionResult, error)
}
