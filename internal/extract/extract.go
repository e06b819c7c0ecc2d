// Package extract turns fetched HTML into a crawler.Page.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/samber/lo"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Extraction methods recorded on pages and job metadata.
const (
	MethodReadability = "readability"
	MethodGoquery     = "goquery"
)

const nonContentSelectors = "script, style, noscript, nav, header, footer, aside, form, iframe, svg"

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// Basic extracts title, body text and links with goquery alone.
func Basic(pageURL, rawHTML string) (crawler.Page, error) {
	base, doc, err := parse(pageURL, rawHTML)
	if err != nil {
		return crawler.Page{}, err
	}
	page := crawler.Page{
		URL:      pageURL,
		Title:    Title(doc),
		HTML:     rawHTML,
		Links:    Links(doc, base),
		Metadata: map[string]string{"extraction_method": MethodGoquery},
	}
	if desc := Description(doc); desc != "" {
		page.Metadata["description"] = desc
	}
	page.Content = BodyText(doc)
	return page, nil
}

// Readable runs readability over the document and renders the article as
// markdown. When readability yields nothing it falls back to Basic.
func Readable(pageURL, rawHTML string) (crawler.Page, error) {
	page, err := Basic(pageURL, rawHTML)
	if err != nil {
		return crawler.Page{}, err
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return page, nil
	}
	article, err := readability.FromReader(strings.NewReader(rawHTML), base)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		return page, nil
	}
	if title := strings.TrimSpace(article.Title); title != "" {
		page.Title = title
	}
	content, err := Markdown(article.Content)
	if err != nil || content == "" {
		content = collapse(article.TextContent)
	}
	page.Content = content
	page.Metadata["extraction_method"] = MethodReadability
	if excerpt := strings.TrimSpace(article.Excerpt); excerpt != "" {
		page.Metadata["description"] = excerpt
	}
	return page, nil
}

// Markdown converts an HTML fragment to markdown.
func Markdown(fragment string) (string, error) {
	conv := md.NewConverter("", true, nil)
	out, err := conv.ConvertString(fragment)
	if err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return strings.TrimSpace(blankLines.ReplaceAllString(out, "\n\n")), nil
}

// Document parses rawHTML.
func Document(rawHTML string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

func parse(pageURL, rawHTML string) (*url.URL, *goquery.Document, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := Document(rawHTML)
	if err != nil {
		return nil, nil, err
	}
	return base, doc, nil
}

// Title prefers <title>, then og:title, then the first <h1>.
func Title(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return collapse(title)
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return collapse(og)
	}
	return collapse(doc.Find("h1").First().Text())
}

// Description reads the meta or og description.
func Description(doc *goquery.Document) string {
	if desc, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		return strings.TrimSpace(desc)
	}
	if desc, ok := doc.Find("meta[property='og:description']").Attr("content"); ok {
		return strings.TrimSpace(desc)
	}
	return ""
}

// BodyText returns whitespace-collapsed text of <article>, <main> or <body>
// with navigation and script elements removed.
func BodyText(doc *goquery.Document) string {
	for _, selector := range []string{"article", "main", "body"} {
		sel := doc.Find(selector).First()
		if sel.Length() == 0 {
			continue
		}
		sel.Find(nonContentSelectors).Remove()
		if text := collapse(sel.Text()); text != "" {
			return text
		}
	}
	return ""
}

// Links resolves every a[href] against base, keeping first occurrences.
func Links(doc *goquery.Document, base *url.URL) []string {
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		links = append(links, ref.String())
	})
	return lo.Uniq(links)
}

func collapse(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
