package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const articleColumns = `id, source_id, crawl_job_id, url, title, content, excerpt, content_hash,
	extraction_method, word_count, is_processed, crawled_at`

// ArticleStore persists extracted articles, deduplicating on URL and content hash.
type ArticleStore struct {
	pool Pool
}

// NewArticleStore constructs an ArticleStore.
func NewArticleStore(pool Pool) (*ArticleStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ArticleStore{pool: pool}, nil
}

// Save inserts the article. On a URL or content-hash collision the existing
// row is returned together with ErrDuplicateArticle.
func (s *ArticleStore) Save(ctx context.Context, a crawler.Article) (crawler.Article, error) {
	var jobID *string
	if a.CrawlJobID != "" {
		jobID = &a.CrawlJobID
	}
	row := s.pool.QueryRow(ctx, `
INSERT INTO articles (`+articleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT DO NOTHING
RETURNING `+articleColumns,
		a.ID, a.SourceID, jobID, a.URL, a.Title, a.Content, a.Excerpt, a.ContentHash,
		a.ExtractionMethod, a.WordCount, a.IsProcessed, a.CrawledAt)
	saved, err := scanArticle(row)
	switch {
	case err == nil:
		return saved, nil
	case pgErrorCode(err) == foreignKeyViolation:
		return crawler.Article{}, fmt.Errorf("%w: %s", crawler.ErrSourceNotFound, a.SourceID)
	case !errors.Is(err, pgx.ErrNoRows):
		return crawler.Article{}, fmt.Errorf("insert article: %w", err)
	}

	existing, err := scanArticle(s.pool.QueryRow(ctx,
		`SELECT `+articleColumns+` FROM articles WHERE url = $1 OR content_hash = $2 LIMIT 1`,
		a.URL, a.ContentHash))
	if err != nil {
		return crawler.Article{}, fmt.Errorf("load duplicate article: %w", err)
	}
	return existing, crawler.ErrDuplicateArticle
}

// MarkProcessed sets is_processed on the given articles.
func (s *ArticleStore) MarkProcessed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE articles SET is_processed = true WHERE id = ANY($1) AND NOT is_processed`, ids)
	if err != nil {
		return 0, fmt.Errorf("mark articles processed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats counts total and processed articles.
func (s *ArticleStore) Stats(ctx context.Context) (crawler.ArticleStats, error) {
	var st crawler.ArticleStats
	err := s.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE is_processed) FROM articles`).
		Scan(&st.Total, &st.Processed)
	if err != nil {
		return crawler.ArticleStats{}, fmt.Errorf("query article stats: %w", err)
	}
	return st, nil
}

func scanArticle(row pgx.Row) (crawler.Article, error) {
	var (
		a     crawler.Article
		jobID *string
	)
	err := row.Scan(&a.ID, &a.SourceID, &jobID, &a.URL, &a.Title, &a.Content, &a.Excerpt,
		&a.ContentHash, &a.ExtractionMethod, &a.WordCount, &a.IsProcessed, &a.CrawledAt)
	if jobID != nil {
		a.CrawlJobID = *jobID
	}
	return a, err
}
