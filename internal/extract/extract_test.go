package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const articleHTML = `<html><head><title>  Prices climb again  </title>
<meta name="description" content="Monthly index update"></head>
<body><nav><a href="/home">Home</a></nav>
<article><h1>Prices climb again</h1>
<p>Consumer prices rose for the third month in a row, driven by shelter and energy costs across most regions.</p>
<p>Analysts expect the trend to continue into the next quarter as supply constraints persist.</p>
<a href="/news/related?id=2">Related</a> <a href="https://other.example/x">Other</a>
<a href="/news/related?id=2">Related again</a></article>
<script>var x = 1;</script></body></html>`

func TestBasicExtractsTitleTextAndLinks(t *testing.T) {
	t.Parallel()

	page, err := Basic("https://news.example/a/b", articleHTML)
	require.NoError(t, err)
	require.Equal(t, "Prices climb again", page.Title)
	require.Contains(t, page.Content, "Consumer prices rose")
	require.NotContains(t, page.Content, "var x")
	require.Equal(t, []string{
		"https://news.example/home",
		"https://news.example/news/related?id=2",
		"https://other.example/x",
	}, page.Links)
	require.Equal(t, MethodGoquery, page.Metadata["extraction_method"])
	require.Equal(t, "Monthly index update", page.Metadata["description"])
}

func TestReadableFallsBackOnEmptyDocument(t *testing.T) {
	t.Parallel()

	page, err := Readable("https://news.example/", "<html><body></body></html>")
	require.NoError(t, err)
	require.Empty(t, page.Content)
	require.Equal(t, MethodGoquery, page.Metadata["extraction_method"])
}

func TestReadableProducesContent(t *testing.T) {
	t.Parallel()

	page, err := Readable("https://news.example/a", articleHTML)
	require.NoError(t, err)
	require.NotEmpty(t, page.Title)
	require.Contains(t, page.Content, "third month")
	require.Len(t, page.Links, 3)
}

func TestMarkdown(t *testing.T) {
	t.Parallel()

	out, err := Markdown("<h2>Heading</h2><p>Body <strong>bold</strong></p>")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "## Heading"))
	require.Contains(t, out, "**bold**")
}

func TestTitleFallbacks(t *testing.T) {
	t.Parallel()

	doc, err := Document(`<html><head><meta property="og:title" content="OG title"></head></html>`)
	require.NoError(t, err)
	require.Equal(t, "OG title", Title(doc))

	doc, err = Document(`<html><body><h1> Heading   one </h1></body></html>`)
	require.NoError(t, err)
	require.Equal(t, "Heading one", Title(doc))
}
