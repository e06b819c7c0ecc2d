// Package detector decides when a page fetched over plain HTTP should be
// re-fetched through the headless renderer.
package detector

import (
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Default thresholds.
const (
	DefaultBodyLengthThreshold = 2048
	DefaultThinContentRunes    = 500
)

// Heuristic flags script shells: tiny script-dense documents and SPA mount
// points whose extracted text is thin.
type Heuristic struct {
	BodyLengthThreshold int
	ThinContentRunes    int
}

// NewHeuristic creates a detector. Zero values fall back to defaults.
func NewHeuristic(bodyThreshold, thinContent int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = DefaultBodyLengthThreshold
	}
	if thinContent <= 0 {
		thinContent = DefaultThinContentRunes
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, ThinContentRunes: thinContent}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// ShouldPromote reports whether page likely needs JavaScript to render.
func (h *Heuristic) ShouldPromote(page crawler.Page) bool {
	body := page.HTML
	if body == "" {
		return false
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	if utf8.RuneCountInString(page.Content) >= h.ThinContentRunes {
		return false
	}
	for _, marker := range spaMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover at least a quarter
// of the document.
func scriptDensityHigh(body string) bool {
	lower := strings.ToLower(body)
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
