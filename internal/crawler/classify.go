package crawler

import (
	"net/url"
	"strings"
)

var feedSegments = map[string]struct{}{"feed": {}, "feeds": {}, "rss": {}, "atom": {}}

// Classify decides whether a URL is discovery work (homepages, sitemaps,
// feeds, robots.txt) or a content page.
func Classify(rawURL string) CrawlKind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindContent
	}
	path := strings.ToLower(u.Path)

	switch {
	case path == "" || path == "/":
		return KindDiscovery
	case strings.Contains(path, "sitemap"):
		return KindDiscovery
	case strings.HasSuffix(path, ".xml"):
		return KindDiscovery
	case strings.HasSuffix(path, "/robots.txt"):
		return KindDiscovery
	case strings.HasSuffix(path, ".rss") || strings.HasSuffix(path, ".atom"):
		return KindDiscovery
	case u.Query().Has("feed"):
		return KindDiscovery
	}
	for _, segment := range strings.Split(path, "/") {
		if _, ok := feedSegments[segment]; ok {
			return KindDiscovery
		}
	}
	return KindContent
}
