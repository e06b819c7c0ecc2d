// Package content holds article quality checks and the small text helpers
// used when turning an extracted page into an Article.
package content

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Quality thresholds for a page to be stored as an article.
const (
	MinTitleLength   = 10
	MaxTitleLength   = 500
	MinContentLength = 100
	MaxSpamPhrases   = 3
	ExcerptLength    = 160
)

var spamPhrases = []string{
	"buy now", "click here", "limited time", "act now",
	"free trial", "make money", "work from home",
}

// Validate reports whether title and body look like a real article.
// The returned error wraps crawler.ErrInvalidArticle.
func Validate(title, body string) error {
	title = strings.TrimSpace(title)
	switch n := utf8.RuneCountInString(title); {
	case n == 0:
		return fmt.Errorf("%w: missing title", crawler.ErrInvalidArticle)
	case n < MinTitleLength || n > MaxTitleLength:
		return fmt.Errorf("%w: title length %d", crawler.ErrInvalidArticle, n)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(body)); n < MinContentLength {
		return fmt.Errorf("%w: content length %d", crawler.ErrInvalidArticle, n)
	}
	if n := SpamScore(body); n >= MaxSpamPhrases {
		return fmt.Errorf("%w: %d spam phrases", crawler.ErrInvalidArticle, n)
	}
	return nil
}

// SpamScore counts distinct spam phrases present in body.
func SpamScore(body string) int {
	lower := strings.ToLower(body)
	return lo.CountBy(spamPhrases, func(p string) bool { return strings.Contains(lower, p) })
}

// Excerpt returns roughly the first ExcerptLength characters of body, cut at
// a sentence end when one falls late enough, else at a word boundary.
func Excerpt(body string) string {
	clean := strings.Join(strings.Fields(body), " ")
	runes := []rune(clean)
	if len(runes) <= ExcerptLength {
		return clean
	}
	cut := string(runes[:ExcerptLength])
	if i := strings.LastIndex(cut, ". "); i > ExcerptLength*7/10 {
		return cut[:i+1]
	}
	if i := strings.LastIndex(cut, " "); i > ExcerptLength*8/10 {
		return cut[:i] + "..."
	}
	return cut + "..."
}

// WordCount counts whitespace-separated words.
func WordCount(body string) int {
	return len(strings.Fields(body))
}
