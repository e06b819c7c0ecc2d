package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestHeuristic_ShouldPromote(t *testing.T) {
	t.Parallel()

	longText := strings.Repeat("Prices rose modestly across the region this month. ", 20)
	tests := []struct {
		name string
		page crawler.Page
		want bool
	}{
		{
			name: "no html",
			page: crawler.Page{Content: "text"},
			want: false,
		},
		{
			name: "spa marker with thin content",
			page: crawler.Page{HTML: `<div id="__next"></div>`, Content: "Loading"},
			want: true,
		},
		{
			name: "spa marker with real content",
			page: crawler.Page{HTML: `<div id="root"><p>` + longText + `</p></div>`, Content: longText},
			want: false,
		},
		{
			name: "script dense small document",
			page: crawler.Page{HTML: `<html><script>var a=1;</script><p>t</p></html>`, Content: longText},
			want: true,
		},
		{
			name: "plain article",
			page: crawler.Page{HTML: "<html><body><p>" + longText + "</p></body></html>", Content: longText},
			want: false,
		},
	}
	h := NewHeuristic(0, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, h.ShouldPromote(tt.page))
		})
	}
}

func TestScriptDensityUnclosedTag(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh("<p>x</p><script src=a.js"))
	require.False(t, scriptDensityHigh("<p>no scripts here at all</p>"))
}
