// Package collyfetcher implements the plain HTTP extraction backend with gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/samber/lo"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/extract"
)

// Name identifies this backend in logs, metrics and job metadata.
const Name = "colly"

// Config controls collector behavior. When UserAgents is set, each request
// picks one of them at random instead of using UserAgent.
type Config struct {
	UserAgent     string
	UserAgents    []string
	Headers       http.Header
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher fetches pages over plain HTTP and extracts them with goquery.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchState struct {
	url         string
	body        []byte
	contentType string
	err         error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Name implements crawler.Backend.
func (f *Fetcher) Name() string { return Name }

// Fetch retrieves request.URL and extracts a Page. Failures are reported in
// the result rather than as an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchResult {
	state := &fetchState{}
	collector, robots := f.buildCollector(state)
	if err := f.runCollector(ctx, collector, request.URL, state); err != nil {
		return crawler.FetchResult{Error: err.Error()}
	}

	page, err := extract.Basic(state.url, string(state.body))
	if err != nil {
		return crawler.FetchResult{Error: err.Error()}
	}
	if state.contentType != "" {
		page.Metadata["content_type"] = state.contentType
	}
	robots.apply(page.Metadata)
	if page.Content == "" {
		return crawler.FetchResult{Data: &page, Error: "no content extracted"}
	}
	return crawler.FetchResult{Success: true, Data: &page}
}

func (f *Fetcher) buildCollector(state *fetchState) (*colly.Collector, *robotsOutcome) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	var robots *robotsOutcome
	base := f.transport
	if base == nil {
		base = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		robots = &robotsOutcome{}
		collector.WithTransport(newRobotsTransport(base, robots))
	} else {
		collector.WithTransport(base)
	}
	f.configureCollectorHooks(collector, state)
	return collector, robots
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		for name, values := range f.cfg.Headers {
			for i, v := range values {
				if i == 0 {
					r.Headers.Set(name, v)
				} else {
					r.Headers.Add(name, v)
				}
			}
		}
		if r.Headers.Get("Accept") == "" {
			r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		}
		if len(f.cfg.UserAgents) > 0 {
			r.Headers.Set("User-Agent", lo.Sample(f.cfg.UserAgents))
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		state.url = r.Request.URL.String()
		state.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			state.contentType = r.Headers.Get("Content-Type")
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			state.err = fmt.Errorf("http %d: %w", r.StatusCode, err)
			return
		}
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, state *fetchState) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if state.err != nil {
			return fmt.Errorf("colly response failed: %w", state.err)
		}
		if state.url == "" {
			return fmt.Errorf("colly returned no response")
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
