package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// ArticleStore keeps extracted articles in memory.
type ArticleStore struct {
	mu       sync.RWMutex
	articles map[string]crawler.Article
	byURL    map[string]string
	byHash   map[string]string
}

// NewArticleStore constructs an ArticleStore.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{
		articles: make(map[string]crawler.Article),
		byURL:    make(map[string]string),
		byHash:   make(map[string]string),
	}
}

// Save stores the article. When an article with the same URL or content hash
// exists, the existing row is returned with ErrDuplicateArticle.
func (s *ArticleStore) Save(_ context.Context, article crawler.Article) (crawler.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byURL[article.URL]; ok {
		return s.articles[id], crawler.ErrDuplicateArticle
	}
	if article.ContentHash != "" {
		if id, ok := s.byHash[article.ContentHash]; ok {
			return s.articles[id], crawler.ErrDuplicateArticle
		}
	}
	s.articles[article.ID] = article
	s.byURL[article.URL] = article.ID
	if article.ContentHash != "" {
		s.byHash[article.ContentHash] = article.ID
	}
	return article, nil
}

// MarkProcessed sets IsProcessed on the given articles.
func (s *ArticleStore) MarkProcessed(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, id := range ids {
		a, ok := s.articles[id]
		if !ok || a.IsProcessed {
			continue
		}
		a.IsProcessed = true
		s.articles[id] = a
		count++
	}
	return count, nil
}

// Stats counts total and processed articles.
func (s *ArticleStore) Stats(_ context.Context) (crawler.ArticleStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.ArticleStats{Total: len(s.articles)}
	for _, a := range s.articles {
		if a.IsProcessed {
			stats.Processed++
		}
	}
	return stats, nil
}
