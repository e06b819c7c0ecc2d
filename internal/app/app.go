// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/api"
	"github.com/JakeFAU/crawl-orchestrator/internal/clock"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/discovery"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/fanout"
	collyfetcher "github.com/JakeFAU/crawl-orchestrator/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-orchestrator/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-orchestrator/internal/hash/sha256"
	"github.com/JakeFAU/crawl-orchestrator/internal/headless/detector"
	"github.com/JakeFAU/crawl-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/crawl-orchestrator/internal/jitter"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/policy/ratelimit"
	pubsubpub "github.com/JakeFAU/crawl-orchestrator/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/crawl-orchestrator/internal/queue/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/queue/redisq"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/gcs"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/local"
	storemem "github.com/JakeFAU/crawl-orchestrator/internal/storage/memory"
	"github.com/JakeFAU/crawl-orchestrator/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup and closed by the command that created it.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Jobs         crawler.JobStore
	Sources      crawler.SourceStore
	Articles     crawler.ArticleStore
	Queue        crawler.TaskQueue
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
	Ops          *ops.Service

	memQueue *queuemem.Queue
	checks   map[string]api.ReadinessCheck
	closers  []func() error
}

// New builds every component named in cfg. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a := &App{
		Config: cfg,
		Logger: logger,
		checks: map[string]api.ReadinessCheck{},
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clk := clock.New()
	ids := uuid.New()
	jit := jitter.NewRandom()
	if cfg.Jobs.JitterSeed != 0 {
		jit = jitter.New(cfg.Jobs.JitterSeed)
	}
	retry := crawler.RetryConfig{
		Backoff:        crawler.NewBackoffPolicy(cfg.Jobs.BackoffBase, cfg.Jobs.BackoffMax, jit),
		Jitter:         jit,
		StaleJitterMin: cfg.Jobs.RetryJitterMin,
		StaleJitterMax: cfg.Jobs.RetryJitterMax,
	}

	if err := a.buildStores(ctx, clk, ids, retry); err != nil {
		return nil, err
	}
	if err := a.buildQueue(ctx); err != nil {
		return nil, err
	}
	primary, fallback, err := a.buildBackends()
	if err != nil {
		return nil, err
	}
	blobStore, err := a.buildBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
		PerDomainRPS: cfg.RateLimit.PerDomain,
	})
	discoverer := discovery.New(discovery.Config{
		UserAgent:         cfg.Backend.UserAgent,
		Timeout:           cfg.Backend.Timeout,
		MaxURLs:           cfg.Discovery.MaxURLs,
		MaxSitemaps:       cfg.Discovery.MaxSitemaps,
		MaxSitemapDepth:   cfg.Discovery.MaxSitemapDepth,
		MaxBodyBytes:      cfg.Backend.MaxBodyBytes,
		SameHostLinksOnly: cfg.Discovery.SameHostOnly,
		RespectRobots:     cfg.Backend.RespectRobots,
	}, limiter, logger)
	enqueuer := fanout.New(a.Jobs, fanout.Config{
		MaxPerJob:      cfg.Fanout.MaxPerJob,
		MaxURLLength:   cfg.Fanout.MaxURLLength,
		MaxQueryParams: cfg.Fanout.MaxQueryParams,
	}, logger)

	a.Orchestrator = orchestrator.New(
		a.Jobs, a.Sources, a.Articles,
		primary, fallback,
		discoverer, enqueuer, limiter,
		blobStore, publisher,
		sha256.New(), ids, clk,
		orchestrator.Config{
			ContentType:       cfg.Storage.ContentType,
			BlobPrefix:        cfg.Storage.Prefix,
			Topic:             cfg.PubSub.TopicName,
			ProcessBatchLimit: cfg.Workers.ProcessBatch,
			FailureRateLimit:  cfg.Health.FailureRate,
			PendingLimit:      cfg.Health.PendingLimit,
			ProcessedRatioMin: cfg.Health.ProcessedRatio,
		},
		logger,
	)
	if cfg.Backend.Primary == config.BackendColly && cfg.Backend.Headless.Enabled && cfg.Backend.Headless.Promote {
		a.Orchestrator.WithPromoter(detector.NewHeuristic(0, 0))
	}
	a.Scheduler = scheduler.New(a.Jobs, a.Sources, a.Queue, clk, jit, scheduler.Config{
		DispatchBatchLimit:   cfg.Scheduler.DispatchBatchLimit,
		QueueDepthThreshold:  cfg.Scheduler.QueueDepthThreshold,
		FailedDepthThreshold: cfg.Scheduler.FailedDepthThreshold,
		ScheduleAllJitter:    cfg.Scheduler.ScheduleAllJitter,
		JobMaxRetries:        cfg.Jobs.MaxRetries,
	}, logger)
	a.Ops = ops.New(a.Jobs, a.Sources, a.Scheduler, a.Orchestrator, ops.Config{
		StaleRetryWindow: cfg.Jobs.StaleRetryWindow,
		RetentionHorizon: cfg.Jobs.RetentionHorizon,
		DefaultMaxRetry:  cfg.Jobs.MaxRetries,
	}, logger)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("primary_backend", cfg.Backend.Primary),
	)
	return a, nil
}

func (a *App) buildStores(
	ctx context.Context,
	clk crawler.Clock,
	ids crawler.IDGenerator,
	retry crawler.RetryConfig,
) error {
	if a.Config.Store.Backend != config.BackendPostgres {
		a.Jobs = storemem.NewJobStore(clk, ids, retry)
		a.Sources = storemem.NewSourceStore()
		a.Articles = storemem.NewArticleStore()
		return nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             a.Config.DB.DSN,
		MaxConns:        a.Config.DB.MaxConns,
		MinConns:        a.Config.DB.MinConns,
		MaxConnLifetime: a.Config.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init postgres: %w", err)
	}
	a.onClose(func() error {
		pool.Close()
		return nil
	})
	a.checks["postgres"] = pool.Ping

	jobs, err := postgres.NewJobStore(pool, clk, ids, retry)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	sources, err := postgres.NewSourceStore(pool)
	if err != nil {
		return fmt.Errorf("init source store: %w", err)
	}
	articles, err := postgres.NewArticleStore(pool)
	if err != nil {
		return fmt.Errorf("init article store: %w", err)
	}
	a.Jobs, a.Sources, a.Articles = jobs, sources, articles
	return nil
}

func (a *App) buildQueue(ctx context.Context) error {
	if a.Config.Queue.Backend != config.BackendRedis {
		q := queuemem.NewQueue(a.Config.Queue.Capacity)
		a.memQueue = q
		a.Queue = q
		a.onClose(func() error {
			q.Close()
			return nil
		})
		return nil
	}
	rcfg := a.redisConfig()
	client, err := redisq.NewRedisClient(ctx, rcfg)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	q := redisq.NewQueue(rcfg, client)
	a.Queue = q
	a.checks["redis"] = q.Ping
	a.onClose(func() error {
		return errors.Join(q.Close(), client.Close())
	})
	return nil
}

func (a *App) redisConfig() redisq.Config {
	return redisq.Config{
		Addr:        a.Config.Queue.Redis.Addr,
		Password:    a.Config.Queue.Redis.Password,
		DB:          a.Config.Queue.Redis.DB,
		Queue:       a.Config.Queue.Name,
		Concurrency: a.Config.Workers.Count,
	}
}

// buildBackends returns the primary and fallback extraction backends. The
// fallback may be nil when only one backend is available.
func (a *App) buildBackends() (crawler.Backend, crawler.Backend, error) {
	bc := a.Config.Backend
	headers := bc.HTTPHeaders()
	httpBackend := collyfetcher.New(collyfetcher.Config{
		UserAgent:     bc.UserAgent,
		UserAgents:    bc.UserAgents,
		Headers:       headers,
		RespectRobots: bc.RespectRobots,
		Timeout:       bc.Timeout,
		MaxBodyBytes:  bc.MaxBodyBytes,
	})

	var browser crawler.Backend = headless.NewNoop()
	if bc.Headless.Enabled {
		chrome, err := headless.NewChromedp(headless.Config{
			MaxParallel:       bc.Headless.MaxParallel,
			UserAgent:         bc.UserAgent,
			NavigationTimeout: bc.Headless.NavTimeout,
			SettleDelay:       bc.Headless.SettleDelay,
			ExtraHeaders:      headers,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init headless backend: %w", err)
		}
		a.onClose(func() error {
			chrome.Close()
			return nil
		})
		browser = chrome
	}

	if bc.Primary == config.BackendColly {
		if !bc.Headless.Enabled {
			return httpBackend, nil, nil
		}
		return httpBackend, browser, nil
	}
	return browser, httpBackend, nil
}

func (a *App) buildBlobStore(ctx context.Context) (crawler.BlobStore, error) {
	sc := a.Config.Storage
	switch sc.Backend {
	case config.BackendMemory:
		return storemem.NewBlobStore(), nil
	case config.BackendLocal:
		store, err := local.New(local.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.onClose(client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: sc.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	default:
		return nil, nil
	}
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	pc := a.Config.PubSub
	if !pc.Enabled {
		return nil, nil
	}
	pub, err := pubsubpub.New(ctx, pubsubpub.Config{ProjectID: pc.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.onClose(pub.Close)
	return pub, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// ReadinessChecks returns the downstream pings used by /readyz.
func (a *App) ReadinessChecks() map[string]api.ReadinessCheck {
	return a.checks
}

// HTTPServer builds the operator HTTP server.
func (a *App) HTTPServer() *http.Server {
	handler := api.NewServer(a.Ops, a.checks, api.Config{
		RequestTimeout: a.Config.Server.RequestTimeout,
		AuthEnabled:    a.Config.Auth.Enabled,
		APIKey:         a.Config.Auth.APIKey,
		DispatchLimit:  a.Config.Scheduler.DispatchBatchLimit,
		ProcessLimit:   a.Config.Workers.ProcessBatch,
	}, a.Logger).Handler()
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// RunWorkers consumes dispatched tasks until ctx is canceled. The memory
// queue is drained by an in-process pool; Redis by an asynq server.
func (a *App) RunWorkers(ctx context.Context) error {
	if a.memQueue != nil {
		pool := dispatcher.NewPool(a.Config.Workers.Count, a.memQueue, a.Orchestrator, a.Logger)
		a.Logger.Info("starting worker pool", zap.Int("workers", pool.Size()))
		pool.Run(ctx)
		return nil
	}
	a.Logger.Info("starting asynq server", zap.Int("concurrency", a.Config.Workers.Count))
	if err := redisq.NewServer(a.redisConfig(), a.Orchestrator, a.Logger).Run(ctx); err != nil {
		return fmt.Errorf("run asynq server: %w", err)
	}
	return nil
}

// Close shuts services down in reverse order of creation and flushes the logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}
