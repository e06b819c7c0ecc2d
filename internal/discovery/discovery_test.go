package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		base := srv.URL
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body>
<a href="/news/one">One</a><a href="/news/two">Two</a>
<a href="https://elsewhere.example/x">External</a><a href="/news/one">Dup</a></body></html>`))
		case "/hub":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte(`<html><body>
<a href="/news/one">One</a><a href="/private/draft">Draft</a><a href="/private?x=1">Q</a></body></html>`))
		case "/robots.txt":
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\nSitemap: " + base + "/sitemap_index.xml\n"))
		case "/sitemap_index.xml":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<sitemap><loc>` + base + `/sitemap-news.xml</loc></sitemap>
<sitemap><loc>` + base + `/sitemap-news.xml</loc></sitemap>
</sitemapindex>`))
		case "/sitemap-news.xml":
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>` + base + `/a</loc></url>
<url><loc>` + base + `/b</loc></url>
<url><loc> </loc></url>
</urlset>`))
		case "/feed":
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte(`<?xml version="1.0"?><rss version="2.0"><channel><title>T</title>
<item><title>First</title><link>` + base + `/story-1</link></item>
<item><title>Second</title><guid>` + base + `/story-2</guid></item>
<item><title>No link</title></item>
</channel></rss>`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverHomepageLinks(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	d := New(Config{SameHostLinksOnly: true}, nil, nil)
	urls, err := d.Discover(context.Background(), srv.URL+"/", "src-1")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/news/one", srv.URL + "/news/two"}, urls)
}

func TestDiscoverRobotsFollowsSitemapIndex(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	urls, err := New(Config{}, nil, nil).Discover(context.Background(), srv.URL+"/robots.txt", "src-1")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/a", srv.URL + "/b"}, urls)
}

func TestDiscoverFeedItems(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	urls, err := New(Config{}, nil, nil).Discover(context.Background(), srv.URL+"/feed", "src-1")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/story-1", srv.URL + "/story-2"}, urls)
}

func TestDiscoverCapsResults(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	urls, err := New(Config{MaxURLs: 1}, nil, nil).Discover(context.Background(), srv.URL+"/sitemap-news.xml", "src-1")
	require.NoError(t, err)
	require.Len(t, urls, 1)
}

func TestDiscoverMissingPageFails(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	_, err := New(Config{}, nil, nil).Discover(context.Background(), srv.URL+"/gone.xml", "src-1")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "404"), err.Error())
}

type countingLimiter struct{ calls atomic.Int32 }

func (c *countingLimiter) Wait(context.Context, string) error {
	c.calls.Add(1)
	return nil
}

func TestDiscoverWaitsOnLimiterPerFetch(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	limiter := &countingLimiter{}
	_, err := New(Config{}, limiter, nil).Discover(context.Background(), srv.URL+"/robots.txt", "src-1")
	require.NoError(t, err)
	require.Equal(t, int32(3), limiter.calls.Load())
}

func TestDiscoverDropsRobotsDisallowedLinks(t *testing.T) {
	t.Parallel()
	srv := newSite(t)

	limiter := &countingLimiter{}
	d := New(Config{RespectRobots: true, UserAgent: "crawlbot"}, limiter, nil)
	urls, err := d.Discover(context.Background(), srv.URL+"/hub", "src-1")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/news/one"}, urls)
	require.Equal(t, int32(2), limiter.calls.Load(), "robots.txt is fetched once per host")

	urls, err = New(Config{}, nil, nil).Discover(context.Background(), srv.URL+"/hub", "src-1")
	require.NoError(t, err)
	require.Len(t, urls, 3)
}

func TestDiscoverAllowsAllWithoutRobots(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/private/a">A</a></body></html>`))
	}))
	t.Cleanup(srv.Close)

	urls, err := New(Config{RespectRobots: true}, nil, nil).Discover(context.Background(), srv.URL+"/", "src-1")
	require.NoError(t, err)
	require.Equal(t, []string{srv.URL + "/private/a"}, urls)
}

func TestLooksLikeSitemap(t *testing.T) {
	t.Parallel()

	require.True(t, looksLikeSitemap([]byte(`<?xml version="1.0"?><urlset>`)))
	require.True(t, looksLikeSitemap([]byte(`<sitemapindex xmlns="x">`)))
	require.False(t, looksLikeSitemap([]byte(`<rss version="2.0">`)))
}
