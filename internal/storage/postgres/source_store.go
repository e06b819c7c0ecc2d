package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
)

const sourceColumns = `id, name, url, domain, credibility_score, active, last_scheduled_at, created_at`

// SourceStore reads and updates the sources table.
type SourceStore struct {
	pool Pool
}

// NewSourceStore constructs a SourceStore.
func NewSourceStore(pool Pool) (*SourceStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SourceStore{pool: pool}, nil
}

// Get fetches a source by ID.
func (s *SourceStore) Get(ctx context.Context, id string) (crawler.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, crawler.ErrSourceNotFound
	}
	if err != nil {
		return crawler.Source{}, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListActive returns active sources ordered by ID.
func (s *SourceStore) ListActive(ctx context.Context) ([]crawler.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// Upsert inserts a source or updates its mutable columns.
func (s *SourceStore) Upsert(ctx context.Context, src crawler.Source) error {
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sources (id, name, url, domain, credibility_score, active, last_scheduled_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	url = EXCLUDED.url,
	domain = EXCLUDED.domain,
	credibility_score = EXCLUDED.credibility_score,
	active = EXCLUDED.active`,
		src.ID, src.Name, src.URL, src.Domain, src.CredibilityScore, src.Active, src.LastScheduledAt, createdAt)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// MarkScheduled stamps the last time the scheduler created work for a source.
func (s *SourceStore) MarkScheduled(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sources SET last_scheduled_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark source scheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrSourceNotFound
	}
	return nil
}

// Stats counts total and active sources.
func (s *SourceStore) Stats(ctx context.Context) (crawler.SourceStats, error) {
	var st crawler.SourceStats
	err := s.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE active) FROM sources`).
		Scan(&st.Total, &st.Active)
	if err != nil {
		return crawler.SourceStats{}, fmt.Errorf("query source stats: %w", err)
	}
	return st, nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var src crawler.Source
	err := row.Scan(&src.ID, &src.Name, &src.URL, &src.Domain, &src.CredibilityScore,
		&src.Active, &src.LastScheduledAt, &src.CreatedAt)
	return src, err
}
