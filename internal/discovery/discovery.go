// Package discovery expands discovery URLs (homepages, robots.txt, sitemaps
// and feeds) into candidate content URLs.
package discovery

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/extract"
)

// Config bounds how much a single discovery run may fetch.
type Config struct {
	UserAgent         string
	Timeout           time.Duration
	MaxURLs           int
	MaxSitemaps       int
	MaxSitemapDepth   int
	MaxBodyBytes      int
	SameHostLinksOnly bool
	// RespectRobots drops candidates and child sitemaps that the host's
	// robots.txt disallows for UserAgent.
	RespectRobots bool
}

// Discoverer fetches a discovery URL and extracts links according to what
// the body turns out to be.
type Discoverer struct {
	cfg     Config
	limiter crawler.Limiter
	logger  *zap.Logger
	base    *colly.Collector
}

// New constructs a Discoverer. limiter may be nil.
func New(cfg Config, limiter crawler.Limiter, logger *zap.Logger) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxURLs <= 0 {
		cfg.MaxURLs = 500
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = 10
	}
	if cfg.MaxSitemapDepth <= 0 {
		cfg.MaxSitemapDepth = 2
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.MaxBodySize = cfg.MaxBodyBytes
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Discoverer{cfg: cfg, limiter: limiter, logger: logger.Named("discovery"), base: c}
}

// Discover returns absolute URLs found at rawURL, deduplicated and capped at MaxURLs.
func (d *Discoverer) Discover(ctx context.Context, rawURL string, sourceID string) ([]string, error) {
	run := &discoveryRun{
		d:            d,
		seenSitemaps: map[string]struct{}{},
		robots:       map[string]*robotstxt.Group{},
	}
	urls, err := run.expand(ctx, rawURL, 0)
	if err != nil {
		return nil, err
	}
	urls = lo.Filter(lo.Uniq(urls), func(u string, _ int) bool { return run.allowed(ctx, u) })
	if len(urls) > d.cfg.MaxURLs {
		urls = urls[:d.cfg.MaxURLs]
	}
	d.logger.Debug("discovery finished",
		zap.String("url", rawURL),
		zap.String("source_id", sourceID),
		zap.Int("count", len(urls)),
	)
	return urls, nil
}

type discoveryRun struct {
	d            *Discoverer
	seenSitemaps map[string]struct{}
	// robots caches the robots.txt group per host; nil means allow all.
	robots map[string]*robotstxt.Group
}

func (d *Discoverer) agent() string {
	if d.cfg.UserAgent == "" {
		return "*"
	}
	return d.cfg.UserAgent
}

// allowed reports whether robots.txt permits rawURL. robots.txt is fetched
// at most once per host within a run; an unreachable file allows everything.
func (r *discoveryRun) allowed(ctx context.Context, rawURL string) bool {
	if !r.d.cfg.RespectRobots {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	group, ok := r.robots[host]
	if !ok {
		group = r.d.loadRobots(ctx, u)
		r.robots[host] = group
	}
	return group == nil || group.Test(u.RequestURI())
}

func (d *Discoverer) loadRobots(ctx context.Context, u *url.URL) *robotstxt.Group {
	robotsURL := (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/robots.txt"}).String()
	body, _, err := d.get(ctx, robotsURL)
	if err != nil {
		d.logger.Debug("robots.txt unavailable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		d.logger.Debug("robots.txt unparsable, allowing all", zap.String("url", robotsURL), zap.Error(err))
		return nil
	}
	return data.FindGroup(d.agent())
}

func (r *discoveryRun) expand(ctx context.Context, rawURL string, depth int) ([]string, error) {
	body, finalURL, err := r.d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("parse final url: %w", err)
	}

	switch {
	case strings.HasSuffix(strings.ToLower(base.Path), "/robots.txt"):
		return r.fromRobots(ctx, body, base, depth)
	case looksLikeSitemap(body):
		return r.fromSitemap(ctx, body, base, depth)
	case gofeed.DetectFeedType(bytes.NewReader(body)) != gofeed.FeedTypeUnknown:
		return fromFeed(body, base)
	default:
		return r.fromHTML(body, base)
	}
}

func (r *discoveryRun) fromRobots(ctx context.Context, body []byte, base *url.URL, depth int) ([]string, error) {
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	r.robots[strings.ToLower(base.Host)] = data.FindGroup(r.d.agent())
	var out []string
	for _, sitemap := range data.Sitemaps {
		out = append(out, r.followSitemap(ctx, sitemap, depth+1)...)
	}
	return out, nil
}

func (r *discoveryRun) followSitemap(ctx context.Context, sitemapURL string, depth int) []string {
	if depth > r.d.cfg.MaxSitemapDepth || len(r.seenSitemaps) >= r.d.cfg.MaxSitemaps {
		return nil
	}
	if _, seen := r.seenSitemaps[sitemapURL]; seen {
		return nil
	}
	if !r.allowed(ctx, sitemapURL) {
		r.d.logger.Debug("sitemap disallowed by robots.txt", zap.String("url", sitemapURL))
		return nil
	}
	r.seenSitemaps[sitemapURL] = struct{}{}
	urls, err := r.expand(ctx, sitemapURL, depth)
	if err != nil {
		r.d.logger.Warn("child sitemap failed", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}
	return urls
}

type sitemapLoc struct {
	Loc string `xml:"loc"`
}

type sitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapLoc `xml:"url"`
	Sitemaps []sitemapLoc `xml:"sitemap"`
}

func looksLikeSitemap(body []byte) bool {
	head := body
	if len(head) > 2048 {
		head = head[:2048]
	}
	return bytes.Contains(head, []byte("<urlset")) || bytes.Contains(head, []byte("<sitemapindex"))
}

func (r *discoveryRun) fromSitemap(ctx context.Context, body []byte, base *url.URL, depth int) ([]string, error) {
	var doc sitemapDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	if doc.XMLName.Local == "sitemapindex" {
		var out []string
		for _, child := range doc.Sitemaps {
			if loc := resolve(base, child.Loc); loc != "" {
				out = append(out, r.followSitemap(ctx, loc, depth+1)...)
			}
		}
		return out, nil
	}
	return lo.FilterMap(doc.URLs, func(u sitemapLoc, _ int) (string, bool) {
		loc := resolve(base, u.Loc)
		return loc, loc != ""
	}), nil
}

func fromFeed(body []byte, base *url.URL) ([]string, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	out := make([]string, 0, len(feed.Items))
	for _, item := range feed.Items {
		link := item.Link
		if link == "" && strings.HasPrefix(item.GUID, "http") {
			link = item.GUID
		}
		if loc := resolve(base, link); loc != "" {
			out = append(out, loc)
		}
	}
	return out, nil
}

func (r *discoveryRun) fromHTML(body []byte, base *url.URL) ([]string, error) {
	doc, err := extract.Document(string(body))
	if err != nil {
		return nil, err
	}
	links := extract.Links(doc, base)
	if !r.d.cfg.SameHostLinksOnly {
		return links, nil
	}
	host := strings.TrimPrefix(strings.ToLower(base.Hostname()), "www.")
	return lo.Filter(links, func(link string, _ int) bool {
		u, err := url.Parse(link)
		return err == nil && strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.") == host
	}), nil
}

func resolve(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// get fetches rawURL through a cloned collector, honoring ctx and the limiter.
func (d *Discoverer) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, rawURL); err != nil {
			return nil, "", err
		}
	}
	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	c := d.base.Clone()
	c.OnResponse(func(resp *colly.Response) {
		body = append([]byte(nil), resp.Body...)
		finalURL = resp.Request.URL.String()
	})
	c.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode != 0 {
			fetchErr = fmt.Errorf("http %d: %w", resp.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(rawURL) }()
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("discovery fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if fetchErr != nil {
			return nil, "", fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
		}
		return body, finalURL, nil
	}
}
