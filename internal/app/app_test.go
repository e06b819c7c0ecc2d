package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/app"
	"github.com/JakeFAU/crawl-orchestrator/internal/config"
	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/ops"
)

const articleHTML = `<!doctype html>
<html><head><title>Central bank holds rates steady for third month</title></head>
<body><article>
<h1>Central bank holds rates steady for third month</h1>
<p>The central bank left its benchmark rate unchanged on Wednesday, citing a cooling labour market and
easing price pressure across most categories of household spending.</p>
<p>Officials said they would continue to watch incoming data closely before making any further moves,
and noted that shelter costs remained the largest contributor to annual inflation this quarter.</p>
</article></body></html>`

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Backend.Primary = config.BackendColly
	cfg.Backend.RespectRobots = false
	cfg.RateLimit.RPS = 0
	cfg.Workers.Count = 2
	return cfg
}

func TestNewMemoryApp(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.LocalDir = t.TempDir()

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Jobs)
	require.NotNil(t, a.Sources)
	require.NotNil(t, a.Articles)
	require.NotNil(t, a.Queue)
	require.NotNil(t, a.Ops)
	require.Empty(t, a.ReadinessChecks())

	srv := a.HTTPServer()
	require.Equal(t, ":8080", srv.Addr)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRedisApp(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Queue.Redis.Addr = mr.Addr()

	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	checks := a.ReadinessChecks()
	require.Contains(t, checks, "redis")
	require.NoError(t, checks["redis"](context.Background()))
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Queue.Redis.Addr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := app.New(ctx, cfg, zap.NewNop())
	require.ErrorContains(t, err, "init redis")
}

func TestRunWorkersCompletesJob(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(articleHTML))
	}))
	t.Cleanup(site.Close)

	cfg := baseConfig(t)
	cfg.Storage.Backend = config.BackendMemory
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.RunWorkers(ctx) }()

	_, err = a.Ops.UpsertSource(ctx, crawler.Source{ID: "src", URL: site.URL, Active: true, CredibilityScore: 0.7})
	require.NoError(t, err)
	created, err := a.Ops.CreateJob(ctx, ops.CreateJobRequest{SourceID: "src", URL: site.URL + "/news/rates"})
	require.NoError(t, err)
	require.True(t, created.Created)

	dispatched, err := a.Ops.Dispatch(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched.Count)

	require.Eventually(t, func() bool {
		job, err := a.Jobs.Get(ctx, created.Job.ID)
		return err == nil && job.Status == crawler.JobStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	job, err := a.Jobs.Get(ctx, created.Job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KindContent, job.Metadata.CrawlType)
	require.True(t, strings.Contains(job.Metadata.Title, "Central bank"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not stop")
	}
}
