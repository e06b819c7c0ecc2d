package crawler

import (
	"strconv"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCancelled JobStatus = "cancelled"
)

// Defaults applied when a job is created without explicit values.
const (
	DefaultMaxRetries         = 3
	DefaultPriority           = 0
	DiscoveredPriority        = -1
	MaxErrorMessageLength     = 1000
	DefaultStaleRetryWindow   = 24 * time.Hour
	DefaultRetentionHorizon   = 30 * 24 * time.Hour
	DefaultDispatchBatchLimit = 100
)

// CrawlJob is one attempt-tracked fetch of a URL on behalf of a source.
type CrawlJob struct {
	ID           string     `json:"id"`
	SourceID     string     `json:"source_id"`
	URL          string     `json:"url"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	Metadata     Metadata   `json:"metadata"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Active reports whether the job counts toward the one-active-job-per-URL rule.
func (j CrawlJob) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

// CreateOptions tune a job at creation time. Zero values fall back to defaults.
type CreateOptions struct {
	Priority    int
	MaxRetries  int
	ScheduledAt time.Time
	Metadata    Metadata
}

// Source is a site the system crawls. The scheduler treats it as read-mostly.
type Source struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	URL              string     `json:"url"`
	Domain           string     `json:"domain"`
	CredibilityScore float64    `json:"credibility_score"`
	Active           bool       `json:"active"`
	LastScheduledAt  *time.Time `json:"last_scheduled_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Article is extracted content persisted after a successful content crawl.
type Article struct {
	ID               string    `json:"id"`
	SourceID         string    `json:"source_id"`
	CrawlJobID       string    `json:"crawl_job_id"`
	URL              string    `json:"url"`
	Title            string    `json:"title"`
	Content          string    `json:"content"`
	Excerpt          string    `json:"excerpt"`
	ContentHash      string    `json:"content_hash"`
	ExtractionMethod string    `json:"extraction_method"`
	WordCount        int       `json:"word_count"`
	IsProcessed      bool      `json:"is_processed"`
	CrawledAt        time.Time `json:"crawled_at"`
}

// Task is the unit handed to the task queue; Attempt is the job's retry count
// at dispatch time so re-dispatching the same attempt is idempotent.
type Task struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// Key returns the idempotency key for the task.
func (t Task) Key() string {
	return t.JobID + ":" + strconv.Itoa(t.Attempt)
}

// FetchRequest captures everything a backend needs to fetch a URL.
type FetchRequest struct {
	JobID    string
	SourceID string
	URL      string
}

// Page is the uniform payload returned by every extraction backend.
type Page struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	HTML     string            `json:"-"`
	Links    []string          `json:"links"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FetchResult is the outcome of one backend fetch.
type FetchResult struct {
	Success bool
	Data    *Page
	Error   string
}

// Usable reports whether the result carries extracted content.
func (r FetchResult) Usable() bool {
	return r.Success && r.Data != nil && r.Data.Content != ""
}

// JobStats aggregates job counts for health reporting.
type JobStats struct {
	Pending              int     `json:"pending"`
	Running              int     `json:"running"`
	Completed            int     `json:"completed"`
	Failed               int     `json:"failed"`
	Paused               int     `json:"paused"`
	Cancelled            int     `json:"cancelled"`
	Total                int     `json:"total"`
	AvgCompletionSeconds float64 `json:"avg_completion_seconds"`
	Completed24h         int     `json:"completed_24h"`
	Failed24h            int     `json:"failed_24h"`
}

// SuccessRate24h returns completed/(completed+failed) over the trailing day.
func (s JobStats) SuccessRate24h() float64 {
	finished := s.Completed24h + s.Failed24h
	if finished == 0 {
		return 1
	}
	return float64(s.Completed24h) / float64(finished)
}

// FailureRate24h returns failed/(completed+failed) over the trailing day.
func (s JobStats) FailureRate24h() float64 {
	finished := s.Completed24h + s.Failed24h
	if finished == 0 {
		return 0
	}
	return float64(s.Failed24h) / float64(finished)
}

// ArticleStats summarizes downstream content.
type ArticleStats struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

// SourceStats summarizes the source catalog.
type SourceStats struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// NewJob builds a pending job from creation options, applying defaults.
// url must already be normalized.
func NewJob(id, sourceID, url string, opts CreateOptions, now time.Time) CrawlJob {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return CrawlJob{
		ID:          id,
		SourceID:    sourceID,
		URL:         url,
		Status:      JobStatusPending,
		Priority:    opts.Priority,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt.UTC(),
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ExecutionResult summarizes one orchestrated run of a job.
type ExecutionResult struct {
	JobID        string    `json:"job_id"`
	Kind         CrawlKind `json:"kind,omitempty"`
	Status       JobStatus `json:"status,omitempty"`
	Skipped      bool      `json:"skipped,omitempty"`
	Backend      string    `json:"backend,omitempty"`
	URLsEnqueued int       `json:"urls_enqueued,omitempty"`
	Error        string    `json:"error,omitempty"`
}
