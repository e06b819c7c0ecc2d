package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// SourceStore keeps the source catalog in memory.
type SourceStore struct {
	mu      sync.RWMutex
	sources map[string]crawler.Source
}

// NewSourceStore constructs a SourceStore seeded with sources.
func NewSourceStore(sources ...crawler.Source) *SourceStore {
	s := &SourceStore{sources: make(map[string]crawler.Source, len(sources))}
	for _, src := range sources {
		s.sources[src.ID] = src
	}
	return s
}

// Get fetches a source by ID.
func (s *SourceStore) Get(_ context.Context, id string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, crawler.ErrSourceNotFound
	}
	return src, nil
}

// ListActive returns active sources ordered by ID.
func (s *SourceStore) ListActive(_ context.Context) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if src.Active {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Upsert inserts or replaces a source.
func (s *SourceStore) Upsert(_ context.Context, source crawler.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[source.ID] = source
	return nil
}

// MarkScheduled stamps the last time the scheduler created work for a source.
func (s *SourceStore) MarkScheduled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.ErrSourceNotFound
	}
	src.LastScheduledAt = pointerTime(at)
	s.sources[id] = src
	return nil
}

// Stats counts total and active sources.
func (s *SourceStore) Stats(_ context.Context) (crawler.SourceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := crawler.SourceStats{Total: len(s.sources)}
	for _, src := range s.sources {
		if src.Active {
			stats.Active++
		}
	}
	return stats, nil
}
