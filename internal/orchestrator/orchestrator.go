// Package orchestrator executes one dispatched crawl job: it claims the job,
// runs the discovery or content path, and records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/content"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/fanout"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Config controls Orchestrator behavior.
type Config struct {
	ContentType       string
	BlobPrefix        string
	Topic             string
	ProcessBatchLimit int
	FailureRateLimit  float64
	PendingLimit      int
	ProcessedRatioMin float64
}

func (c Config) withDefaults() Config {
	if c.ContentType == "" {
		c.ContentType = "text/html; charset=utf-8"
	}
	if c.ProcessBatchLimit <= 0 {
		c.ProcessBatchLimit = 10
	}
	if c.FailureRateLimit <= 0 {
		c.FailureRateLimit = 0.2
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 1000
	}
	if c.ProcessedRatioMin <= 0 {
		c.ProcessedRatioMin = 0.8
	}
	return c
}

// Orchestrator implements crawler.Executor.
type Orchestrator struct {
	jobs       crawler.JobStore
	sources    crawler.SourceStore
	articles   crawler.ArticleStore
	primary    crawler.Backend
	fallback   crawler.Backend
	discoverer crawler.Discoverer
	enqueuer   crawler.Enqueuer
	limiter    crawler.Limiter
	blobStore  crawler.BlobStore
	publisher  crawler.Publisher
	hasher     crawler.Hasher
	ids        crawler.IDGenerator
	clock      crawler.Clock
	promoter   Promoter
	cfg        Config
	logger     *zap.Logger
}

// Promoter decides whether a usable primary result should still be retried
// on the fallback backend, e.g. a script shell that needs rendering.
type Promoter interface {
	ShouldPromote(page crawler.Page) bool
}

// New constructs an Orchestrator. limiter, blobStore and publisher may be nil.
func New(
	jobs crawler.JobStore,
	sources crawler.SourceStore,
	articles crawler.ArticleStore,
	primary crawler.Backend,
	fallback crawler.Backend,
	discoverer crawler.Discoverer,
	enqueuer crawler.Enqueuer,
	limiter crawler.Limiter,
	blobStore crawler.BlobStore,
	publisher crawler.Publisher,
	hasher crawler.Hasher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:       jobs,
		sources:    sources,
		articles:   articles,
		primary:    primary,
		fallback:   fallback,
		discoverer: discoverer,
		enqueuer:   enqueuer,
		limiter:    limiter,
		blobStore:  blobStore,
		publisher:  publisher,
		hasher:     hasher,
		ids:        ids,
		clock:      clock,
		cfg:        cfg.withDefaults(),
		logger:     logger.Named("orchestrator"),
	}
}

// WithPromoter installs p to second-guess usable primary results.
func (o *Orchestrator) WithPromoter(p Promoter) *Orchestrator {
	o.promoter = p
	return o
}

// Execute claims the job and runs it to an outcome. Crawl failures are
// recorded on the job; the returned error only reports store failures.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (crawler.ExecutionResult, error) {
	result := crawler.ExecutionResult{JobID: jobID}
	job, err := o.jobs.MarkRunning(ctx, jobID)
	switch {
	case errors.Is(err, crawler.ErrClaimConflict), errors.Is(err, crawler.ErrInvalidTransition):
		o.logger.Debug("job not claimable; skipping", zap.String("job_id", jobID), zap.Error(err))
		result.Skipped = true
		return result, nil
	case errors.Is(err, crawler.ErrJobNotFound):
		o.logger.Warn("dispatched job not found", zap.String("job_id", jobID))
		result.Skipped = true
		return result, nil
	case err != nil:
		return result, fmt.Errorf("claim job: %w", err)
	}

	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	result.Kind = crawler.Classify(job.URL)
	o.logger.Debug("executing job",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("kind", string(result.Kind)),
	)

	patch, backend, runErr := o.run(ctx, job, result.Kind)
	result.Backend = backend
	result.URLsEnqueued = patch.URLsEnqueued

	// Record the outcome even if the caller's context ended mid-run.
	recordCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		return o.fail(recordCtx, job, result, runErr)
	}
	done, err := o.jobs.MarkCompleted(recordCtx, job.ID, patch)
	if err != nil {
		return result, fmt.Errorf("complete job: %w", err)
	}
	result.Status = done.Status
	metrics.ObserveJob(string(result.Kind), string(done.Status))
	o.logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("backend", backend),
		zap.Int("count", patch.URLsEnqueued),
	)
	return result, nil
}

func (o *Orchestrator) run(
	ctx context.Context,
	job crawler.CrawlJob,
	kind crawler.CrawlKind,
) (patch crawler.Metadata, backend string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s crawl: %v", kind, r)
		}
	}()
	if kind == crawler.KindDiscovery {
		patch, err = o.runDiscovery(ctx, job)
		return patch, "", err
	}
	return o.runContent(ctx, job)
}

func (o *Orchestrator) fail(
	ctx context.Context,
	job crawler.CrawlJob,
	result crawler.ExecutionResult,
	cause error,
) (crawler.ExecutionResult, error) {
	failed, err := o.jobs.MarkFailed(ctx, job.ID, cause.Error(), true)
	if err != nil {
		return result, fmt.Errorf("mark job failed: %w", err)
	}
	result.Status = failed.Status
	result.Error = cause.Error()
	metrics.ObserveJob(string(result.Kind), string(failed.Status))
	o.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.String("status", string(failed.Status)),
		zap.Int("retry_count", failed.RetryCount),
		zap.Error(cause),
	)
	return result, nil
}

func (o *Orchestrator) runDiscovery(ctx context.Context, job crawler.CrawlJob) (crawler.Metadata, error) {
	if o.discoverer == nil {
		return crawler.Metadata{}, errors.New("no discoverer configured")
	}
	urls, err := o.discoverer.Discover(ctx, job.URL, job.SourceID)
	if err != nil {
		return crawler.Metadata{}, fmt.Errorf("discover: %w", err)
	}
	enqueued, err := o.fanOut(ctx, job, urls)
	if err != nil {
		return crawler.Metadata{}, err
	}
	return crawler.Metadata{
		CrawlType:      crawler.KindDiscovery,
		URLsDiscovered: len(urls),
		URLsEnqueued:   enqueued,
	}, nil
}

func (o *Orchestrator) fanOut(ctx context.Context, job crawler.CrawlJob, urls []string) (int, error) {
	if o.enqueuer == nil || len(urls) == 0 {
		return 0, nil
	}
	n, err := o.enqueuer.Enqueue(ctx, urls, job.SourceID, fanout.ChildPriority(job.Priority), job.URL)
	if err != nil {
		return 0, fmt.Errorf("fan out: %w", err)
	}
	return n, nil
}

func (o *Orchestrator) runContent(ctx context.Context, job crawler.CrawlJob) (crawler.Metadata, string, error) {
	res, backend, err := o.fetch(ctx, job)
	if err != nil {
		return crawler.Metadata{}, "", err
	}
	page := res.Data

	patch := crawler.Metadata{
		CrawlType:        crawler.KindContent,
		ExtractionMethod: extractionMethod(page, backend),
		Title:            page.Title,
		ContentLength:    len(page.Content),
		URLsDiscovered:   len(page.Links),
	}
	patch.BlobURI = o.archive(ctx, job, page)

	article, saved, err := o.saveArticle(ctx, job, page, patch.ExtractionMethod)
	if err != nil {
		return crawler.Metadata{}, backend, err
	}
	if article != nil {
		patch.ArticleID = article.ID
		if saved {
			patch.ArticlesExtracted = 1
			o.publish(ctx, job, *article, patch.BlobURI)
		} else {
			patch.Duplicate = true
		}
	}

	enqueued, err := o.fanOut(ctx, job, page.Links)
	if err != nil {
		o.logger.Warn("link fan-out failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	patch.URLsEnqueued = enqueued
	return patch, backend, nil
}

// fetch tries the primary backend, then the fallback, waiting on the rate
// limiter before each attempt.
func (o *Orchestrator) fetch(ctx context.Context, job crawler.CrawlJob) (crawler.FetchResult, string, error) {
	req := crawler.FetchRequest{JobID: job.ID, SourceID: job.SourceID, URL: job.URL}
	var (
		failures []string
		held     *crawler.FetchResult
		heldName string
	)
	for i, b := range []crawler.Backend{o.primary, o.fallback} {
		if b == nil {
			continue
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx, job.URL); err != nil {
				return crawler.FetchResult{}, "", fmt.Errorf("rate limit wait: %w", err)
			}
		}
		start := time.Now()
		res := b.Fetch(ctx, req)
		metrics.ObserveFetch(b.Name(), res.Usable(), time.Since(start))
		if res.Usable() {
			if i == 0 && o.fallback != nil && o.promoter != nil && o.promoter.ShouldPromote(*res.Data) {
				o.logger.Debug("promoting fetch to fallback backend",
					zap.String("job_id", job.ID),
					zap.String("url", job.URL),
					zap.String("backend", b.Name()),
				)
				held, heldName = &res, b.Name()
				continue
			}
			return res, b.Name(), nil
		}
		reason := res.Error
		if reason == "" {
			reason = "no content extracted"
		}
		failures = append(failures, b.Name()+": "+reason)
		o.logger.Warn("backend fetch failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.String("backend", b.Name()),
			zap.String("error", reason),
		)
	}
	if held != nil {
		return *held, heldName, nil
	}
	if len(failures) == 0 {
		return crawler.FetchResult{}, "", errors.New("no extraction backend configured")
	}
	return crawler.FetchResult{}, "", fmt.Errorf("all backends failed: %s", strings.Join(failures, "; "))
}

func extractionMethod(page *crawler.Page, backend string) string {
	if m := page.Metadata["extraction_method"]; m != "" {
		return m
	}
	return backend
}

func (o *Orchestrator) archive(ctx context.Context, job crawler.CrawlJob, page *crawler.Page) string {
	if o.blobStore == nil || page.HTML == "" || o.hasher == nil {
		return ""
	}
	hash, err := o.hasher.Hash([]byte(page.HTML))
	if err != nil {
		o.logger.Warn("hash html failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	uri, err := o.blobStore.PutObject(ctx, o.blobPath(job.ID, hash), o.cfg.ContentType, []byte(page.HTML))
	if err != nil {
		o.logger.Warn("archive html failed", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) blobPath(jobID, hash string) string {
	prefix := strings.Trim(o.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// saveArticle validates and stores the page. It returns a nil article for
// pages that fail validation and saved=false for duplicates.
func (o *Orchestrator) saveArticle(
	ctx context.Context,
	job crawler.CrawlJob,
	page *crawler.Page,
	method string,
) (*crawler.Article, bool, error) {
	if o.articles == nil {
		return nil, false, nil
	}
	if err := content.Validate(page.Title, page.Content); err != nil {
		o.logger.Info("page not stored as article", zap.String("job_id", job.ID), zap.Error(err))
		return nil, false, nil
	}
	id, err := o.ids.NewID()
	if err != nil {
		return nil, false, fmt.Errorf("generate article id: %w", err)
	}
	hash, err := o.contentHash(page.Content)
	if err != nil {
		return nil, false, err
	}
	article := crawler.Article{
		ID:               id,
		SourceID:         job.SourceID,
		CrawlJobID:       job.ID,
		URL:              job.URL,
		Title:            strings.TrimSpace(page.Title),
		Content:          page.Content,
		Excerpt:          content.Excerpt(page.Content),
		ContentHash:      hash,
		ExtractionMethod: method,
		WordCount:        content.WordCount(page.Content),
		CrawledAt:        o.clock.Now(),
	}
	stored, err := o.articles.Save(ctx, article)
	switch {
	case errors.Is(err, crawler.ErrDuplicateArticle):
		o.logger.Debug("duplicate article", zap.String("job_id", job.ID), zap.String("article_id", stored.ID))
		return &stored, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("save article: %w", err)
	}
	return &stored, true, nil
}

func (o *Orchestrator) contentHash(text string) (string, error) {
	normalized := []byte(sha256.NormalizeText(text))
	if o.hasher == nil {
		return sha256.New().Hash(normalized)
	}
	hash, err := o.hasher.Hash(normalized)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hash, nil
}

func (o *Orchestrator) publish(ctx context.Context, job crawler.CrawlJob, article crawler.Article, blobURI string) {
	if o.cfg.Topic == "" || o.publisher == nil {
		return
	}
	payload := map[string]any{
		"job_id":       job.ID,
		"source_id":    job.SourceID,
		"article_id":   article.ID,
		"url":          article.URL,
		"title":        article.Title,
		"content_hash": article.ContentHash,
		"blob_uri":     blobURI,
		"word_count":   article.WordCount,
		"timestamp":    o.clock.Now().Format(time.RFC3339),
	}
	msgID, err := o.publisher.Publish(ctx, o.cfg.Topic, payload)
	if err != nil {
		o.logger.Warn("publish article failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	o.logger.Debug("article published",
		zap.String("job_id", job.ID),
		zap.String("article_id", article.ID),
		zap.String("message_id", msgID),
	)
}
