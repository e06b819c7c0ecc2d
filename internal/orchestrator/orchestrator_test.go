package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/fanout"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	pubmem "github.com/JakeFAU/crawl-orchestrator/internal/publisher/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const articleBody = "Consumer prices rose 0.3 percent in May, driven by shelter and energy costs. " +
	"Economists had expected a smaller increase after two months of cooling inflation."

type fakeBackend struct {
	name   string
	result crawler.FetchResult
	panics bool
	calls  atomic.Int32
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Fetch(_ context.Context, req crawler.FetchRequest) crawler.FetchResult {
	b.calls.Add(1)
	if b.panics {
		panic("browser crashed")
	}
	res := b.result
	if res.Data != nil {
		page := *res.Data
		page.URL = req.URL
		res.Data = &page
	}
	return res
}

func failing(name, reason string) *fakeBackend {
	return &fakeBackend{name: name, result: crawler.FetchResult{Error: reason}}
}

func succeeding(name string, page crawler.Page) *fakeBackend {
	return &fakeBackend{name: name, result: crawler.FetchResult{Success: true, Data: &page}}
}

type fakeDiscoverer struct {
	urls []string
	err  error
}

func (d fakeDiscoverer) Discover(context.Context, string, string) ([]string, error) {
	return d.urls, d.err
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

type harness struct {
	jobs      *memory.JobStore
	sources   *memory.SourceStore
	articles  *memory.ArticleStore
	blobs     *memory.BlobStore
	publisher *pubmem.Publisher
	limiter   *countingLimiter
	clock     *clock.Manual
}

func newHarness() *harness {
	clk := clock.NewManual(t0)
	return &harness{
		jobs:      memory.NewJobStore(clk, uuid.New(), crawler.RetryConfig{}),
		sources:   memory.NewSourceStore(crawler.Source{ID: "src-1", URL: "https://example.com/", Active: true}),
		articles:  memory.NewArticleStore(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmem.New(),
		limiter:   &countingLimiter{},
		clock:     clk,
	}
}

func (h *harness) orchestrator(primary, fallback crawler.Backend, disc crawler.Discoverer) *Orchestrator {
	return New(
		h.jobs,
		h.sources,
		h.articles,
		primary,
		fallback,
		disc,
		fanout.New(h.jobs, fanout.Config{}, nil),
		h.limiter,
		h.blobs,
		h.publisher,
		sha256.New(),
		uuid.New(),
		h.clock,
		Config{Topic: "articles", BlobPrefix: "raw"},
		nil,
	)
}

func (h *harness) create(t *testing.T, url string, opts crawler.CreateOptions) crawler.CrawlJob {
	t.Helper()
	job, err := h.jobs.Create(context.Background(), "src-1", url, opts)
	require.NoError(t, err)
	require.NotNil(t, job)
	return *job
}

func (h *harness) pending(t *testing.T) []crawler.CrawlJob {
	t.Helper()
	batch, err := h.jobs.PendingBatch(context.Background(), 0, time.Time{})
	require.NoError(t, err)
	return batch
}

func TestExecuteDiscoveryFansOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/sitemap.xml", crawler.CreateOptions{Priority: 5})

	disc := fakeDiscoverer{urls: []string{
		"https://example.com/2024/05/01/a",
		"https://example.com/2024/05/01/b",
		"https://example.com/2024/05/01/c",
	}}
	res, err := h.orchestrator(nil, nil, disc).Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KindDiscovery, res.Kind)
	require.Equal(t, crawler.JobStatusCompleted, res.Status)
	require.Equal(t, 3, res.URLsEnqueued)

	done, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, done.Status)
	require.Equal(t, 3, done.Metadata.URLsDiscovered)
	require.Equal(t, 3, done.Metadata.URLsEnqueued)
	require.Equal(t, crawler.KindDiscovery, done.Metadata.CrawlType)

	created := h.pending(t)
	require.Len(t, created, 3)
	for _, c := range created {
		require.True(t, c.Metadata.Discovered)
		require.Equal(t, job.URL, c.Metadata.DiscoveredFrom)
		require.Less(t, c.Priority, job.Priority)
	}
}

func TestExecuteDiscoveryCapsFanOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/", crawler.CreateOptions{})

	urls := make([]string, 0, 500)
	for i := range 500 {
		urls = append(urls, fmt.Sprintf("https://example.com/story/%d", i))
	}
	urls = append(urls, "javascript:alert(1)", "mailto:a@example.com")

	res, err := h.orchestrator(nil, nil, fakeDiscoverer{urls: urls}).Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, fanout.DefaultMaxPerJob, res.URLsEnqueued)

	created := h.pending(t)
	require.Len(t, created, fanout.DefaultMaxPerJob)
	for _, c := range created {
		require.Equal(t, crawler.DiscoveredPriority, c.Priority)
		require.True(t, strings.HasPrefix(c.URL, "https://example.com/story/"))
	}
}

func TestExecuteDiscoveryWithNoResultsCompletes(t *testing.T) {
	t.Parallel()
	h := newHarness()
	job := h.create(t, "https://example.com/feed", crawler.CreateOptions{})

	res, err := h.orchestrator(nil, nil, fakeDiscoverer{}).Execute(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, res.Status)
	require.Zero(t, res.URLsEnqueued)
}

func TestExecuteDiscoveryErrorRetries(t *testing.T) {
	t.Parallel()
	h := newHarness()
	job := h.create(t, "https://example.com/", crawler.CreateOptions{})

	res, err := h.orchestrator(nil, nil, fakeDiscoverer{err: fmt.Errorf("dns failure")}).
		Execute(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, res.Status)
	require.Contains(t, res.Error, "dns failure")
}

func TestExecuteContentFallsBackAndStoresArticle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/2024/05/01/headline", crawler.CreateOptions{})

	primary := failing("headless", "navigation timeout")
	fallback := succeeding("colly", crawler.Page{
		Title:    "Consumer prices rise in May",
		Content:  articleBody,
		HTML:     "<html><body>" + articleBody + "</body></html>",
		Links:    []string{"https://example.com/related", "mailto:tips@example.com"},
		Metadata: map[string]string{"extraction_method": "goquery"},
	})

	res, err := h.orchestrator(primary, fallback, nil).Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KindContent, res.Kind)
	require.Equal(t, "colly", res.Backend)
	require.Equal(t, crawler.JobStatusCompleted, res.Status)
	require.EqualValues(t, 1, primary.calls.Load())
	require.EqualValues(t, 2, h.limiter.waits.Load())

	done, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	meta := done.Metadata
	require.Equal(t, crawler.KindContent, meta.CrawlType)
	require.Equal(t, "goquery", meta.ExtractionMethod)
	require.Equal(t, 1, meta.ArticlesExtracted)
	require.Equal(t, 2, meta.URLsDiscovered)
	require.Equal(t, 1, meta.URLsEnqueued)
	require.Equal(t, len(articleBody), meta.ContentLength)
	require.NotEmpty(t, meta.ArticleID)
	require.True(t, strings.HasPrefix(meta.BlobURI, "memory://raw/"+job.ID+"/"))

	stats, err := h.articles.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)

	msgs := h.publisher.Messages("articles")
	require.Len(t, msgs, 1)
	var event map[string]any
	require.NoError(t, msgs[0].Decode(&event))
	require.Equal(t, meta.ArticleID, event["article_id"])
}

type promoteAll struct{}

func (promoteAll) ShouldPromote(crawler.Page) bool { return true }

func TestExecutePromotesToFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/2024/05/02/shell", crawler.CreateOptions{})

	primary := succeeding("colly", crawler.Page{Title: "Consumer prices rise in May", Content: articleBody})
	fallback := succeeding("headless", crawler.Page{Title: "Consumer prices rise in May", Content: articleBody})

	res, err := h.orchestrator(primary, fallback, nil).WithPromoter(promoteAll{}).Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "headless", res.Backend)
	require.EqualValues(t, 1, primary.calls.Load())
	require.EqualValues(t, 1, fallback.calls.Load())
}

func TestExecutePromotionKeepsPrimaryWhenFallbackFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/2024/05/03/shell", crawler.CreateOptions{})

	primary := succeeding("colly", crawler.Page{Title: "Consumer prices rise in May", Content: articleBody})
	fallback := failing("headless", "chrome not installed")

	res, err := h.orchestrator(primary, fallback, nil).WithPromoter(promoteAll{}).Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "colly", res.Backend)
	require.Equal(t, crawler.JobStatusCompleted, res.Status)
}

func TestExecuteContentDuplicateArticle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	page := crawler.Page{Title: "Consumer prices rise in May", Content: articleBody}
	o := h.orchestrator(succeeding("colly", page), nil, nil)

	first := h.create(t, "https://example.com/a", crawler.CreateOptions{})
	second := h.create(t, "https://example.com/b", crawler.CreateOptions{})
	_, err := o.Execute(ctx, first.ID)
	require.NoError(t, err)
	_, err = o.Execute(ctx, second.ID)
	require.NoError(t, err)

	done, err := h.jobs.Get(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, done.Metadata.Duplicate)
	require.Zero(t, done.Metadata.ArticlesExtracted)
	require.Len(t, h.publisher.Messages(""), 1)
}

func TestExecuteContentInvalidArticleStillCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/thin", crawler.CreateOptions{})
	o := h.orchestrator(succeeding("colly", crawler.Page{Title: "Hi", Content: "short"}), nil, nil)

	res, err := o.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, res.Status)

	stats, err := h.articles.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}

func TestExecuteAllBackendsFailRetriesThenFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/story", crawler.CreateOptions{MaxRetries: 2})
	o := h.orchestrator(failing("headless", "http 503"), failing("colly", ""), nil)

	res, err := o.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, res.Status)
	require.Contains(t, res.Error, "headless: http 503")
	require.Contains(t, res.Error, "colly: no content extracted")

	res, err = o.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, res.Status)

	done, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 2, done.RetryCount)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ErrorMessage)
}

func TestExecuteRecoversBackendPanic(t *testing.T) {
	t.Parallel()
	h := newHarness()
	job := h.create(t, "https://example.com/story", crawler.CreateOptions{})
	o := h.orchestrator(&fakeBackend{name: "headless", panics: true}, nil, nil)

	res, err := o.Execute(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, res.Status)
	require.Contains(t, res.Error, "browser crashed")
}

func TestExecuteSkipsUnclaimableJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	job := h.create(t, "https://example.com/story", crawler.CreateOptions{})
	_, err := h.jobs.MarkRunning(ctx, job.ID)
	require.NoError(t, err)

	o := h.orchestrator(succeeding("colly", crawler.Page{}), nil, nil)
	res, err := o.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, res.Skipped)

	res, err = o.Execute(ctx, "missing")
	require.NoError(t, err)
	require.True(t, res.Skipped)
}

func TestProcessPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	h.create(t, "https://example.com/", crawler.CreateOptions{Priority: 1})
	h.create(t, "https://example.com/story", crawler.CreateOptions{})
	h.create(t, "https://example.com/later", crawler.CreateOptions{ScheduledAt: t0.Add(time.Hour)})

	o := h.orchestrator(failing("colly", "http 500"), nil, fakeDiscoverer{})
	summary, err := o.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, ProcessSummary{Processed: 2, Completed: 1, Retrying: 1}, summary)
}

func TestSystemStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	o := h.orchestrator(nil, nil, nil)

	stats, err := o.SystemStats(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", stats.Health)
	require.Equal(t, 1, stats.Sources.Active)

	_, err = h.articles.Save(ctx, crawler.Article{ID: "a1", URL: "https://example.com/a", ContentHash: "h1"})
	require.NoError(t, err)
	stats, err = o.SystemStats(ctx)
	require.NoError(t, err)
	require.Equal(t, "degraded", stats.Health)
	require.Equal(t, []string{"low processed ratio: 0%"}, stats.Issues)

	n, err := o.MarkArticlesProcessed(ctx, []string{"a1"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	stats, err = o.SystemStats(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", stats.Health)
	require.Empty(t, stats.Issues)
}
