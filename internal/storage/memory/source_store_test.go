package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

func TestSourceStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSourceStore(
		crawler.Source{ID: "b", Active: true, CredibilityScore: 0.9},
		crawler.Source{ID: "a", Active: true, CredibilityScore: 0.4},
		crawler.Source{ID: "c", Active: false},
	)

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "a", active[0].ID)

	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkScheduled(ctx, "a", at))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, at, *got.LastScheduledAt)

	require.ErrorIs(t, s.MarkScheduled(ctx, "zzz", at), crawler.ErrSourceNotFound)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.SourceStats{Total: 3, Active: 2}, stats)
}

func TestArticleStoreDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewArticleStore()

	first, err := s.Save(ctx, crawler.Article{ID: "a1", URL: "https://example.com/x", ContentHash: "h1", IsProcessed: true})
	require.NoError(t, err)
	require.Equal(t, "a1", first.ID)

	existing, err := s.Save(ctx, crawler.Article{ID: "a2", URL: "https://example.com/y", ContentHash: "h1"})
	require.ErrorIs(t, err, crawler.ErrDuplicateArticle)
	require.Equal(t, "a1", existing.ID)

	_, err = s.Save(ctx, crawler.Article{ID: "a3", URL: "https://example.com/x", ContentHash: "h3"})
	require.ErrorIs(t, err, crawler.ErrDuplicateArticle)

	_, err = s.Save(ctx, crawler.Article{ID: "a4", URL: "https://example.com/z", ContentHash: "h4"})
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ArticleStats{Total: 2, Processed: 1}, stats)
}

func TestArticleStoreMarkProcessed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewArticleStore()
	_, err := s.Save(ctx, crawler.Article{ID: "a1", URL: "https://example.com/x", ContentHash: "h1"})
	require.NoError(t, err)
	_, err = s.Save(ctx, crawler.Article{ID: "a2", URL: "https://example.com/y", ContentHash: "h2", IsProcessed: true})
	require.NoError(t, err)

	n, err := s.MarkProcessed(ctx, []string{"a1", "a2", "nope"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.ArticleStats{Total: 2, Processed: 2}, stats)
}
