// Package fanout filters discovered URLs and turns the survivors into new
// pending jobs.
package fanout

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Limits applied when Config leaves a field zero.
const (
	DefaultMaxPerJob      = 50
	DefaultMaxURLLength   = 2048
	DefaultMaxQueryParams = 10
)

var blockedSchemes = []string{"javascript:", "mailto:", "tel:", "ftp:", "data:"}

// Config bounds fan-out from a single job.
type Config struct {
	MaxPerJob      int
	MaxURLLength   int
	MaxQueryParams int
}

func (c Config) withDefaults() Config {
	if c.MaxPerJob <= 0 {
		c.MaxPerJob = DefaultMaxPerJob
	}
	if c.MaxURLLength <= 0 {
		c.MaxURLLength = DefaultMaxURLLength
	}
	if c.MaxQueryParams <= 0 {
		c.MaxQueryParams = DefaultMaxQueryParams
	}
	return c
}

// Enqueuer implements crawler.Enqueuer on top of a JobStore.
type Enqueuer struct {
	store  crawler.JobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs an Enqueuer.
func New(store crawler.JobStore, cfg Config, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{store: store, cfg: cfg.withDefaults(), logger: logger.Named("fanout")}
}

// Filter drops unusable URLs, normalizes and deduplicates the rest, and caps
// the result at MaxPerJob.
func (e *Enqueuer) Filter(urls []string) []string {
	return Filter(urls, e.cfg)
}

// Filter is the package-level form of Enqueuer.Filter.
func Filter(urls []string, cfg Config) []string {
	cfg = cfg.withDefaults()
	kept := lo.Uniq(lo.FilterMap(urls, func(raw string, _ int) (string, bool) {
		return accept(raw, cfg)
	}))
	if len(kept) > cfg.MaxPerJob {
		kept = kept[:cfg.MaxPerJob]
	}
	return kept
}

func accept(raw string, cfg Config) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") || len(raw) > cfg.MaxURLLength {
		return "", false
	}
	lower := strings.ToLower(raw)
	if lo.SomeBy(blockedSchemes, func(s string) bool { return strings.HasPrefix(lower, s) }) {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", false
	}
	if countQueryParams(u.RawQuery) > cfg.MaxQueryParams {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(raw)
	if err != nil {
		return "", false
	}
	return normalized, true
}

func countQueryParams(rawQuery string) int {
	if rawQuery == "" {
		return 0
	}
	return len(lo.Filter(strings.Split(rawQuery, "&"), func(p string, _ int) bool { return p != "" }))
}

// Enqueue filters urls and creates discovered jobs for them. It returns the
// number of jobs actually created; URLs with an active job are skipped.
func (e *Enqueuer) Enqueue(
	ctx context.Context,
	urls []string,
	sourceID string,
	priority int,
	parent string,
) (int, error) {
	kept := e.Filter(urls)
	metrics.ObserveFanout("filtered", len(urls)-len(kept))
	if len(kept) == 0 {
		return 0, nil
	}
	created, err := e.store.CreateBulk(ctx, sourceID, kept, crawler.CreateOptions{
		Priority: priority,
		Metadata: crawler.Metadata{Discovered: true, DiscoveredFrom: parent},
	})
	if err != nil {
		return 0, fmt.Errorf("create discovered jobs: %w", err)
	}
	metrics.ObserveFanout("enqueued", len(created))
	metrics.ObserveFanout("duplicate", len(kept)-len(created))
	e.logger.Debug("fan-out enqueued",
		zap.String("source_id", sourceID),
		zap.String("parent", parent),
		zap.Int("discovered", len(urls)),
		zap.Int("count", len(created)),
	)
	return len(created), nil
}

// ChildPriority is the priority given to URLs discovered by a job.
func ChildPriority(parentPriority int) int {
	return min(parentPriority-1, crawler.DiscoveredPriority)
}
