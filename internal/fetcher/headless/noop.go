package headless

import (
	"context"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

// Noop stands in for the headless backend when Chrome is disabled. Every
// fetch fails so the orchestrator moves straight to the fallback backend.
type Noop struct{}

// NewNoop creates a new Noop backend.
func NewNoop() *Noop {
	return &Noop{}
}

// Name implements crawler.Backend.
func (Noop) Name() string { return Name }

// Fetch always reports the backend as unavailable.
func (Noop) Fetch(_ context.Context, _ crawler.FetchRequest) crawler.FetchResult {
	return crawler.FetchResult{Error: crawler.ErrBackendUnavailable.Error()}
}
