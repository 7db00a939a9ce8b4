package database

import (
	"context"
	"fmt"
)

// StatsRepository aggregates engine-wide counts for metrics scraping.
type StatsRepository interface {
	CountCampaignsByStatus(ctx context.Context) (map[string]int64, error)
	CountContactsByStatus(ctx context.Context) (map[string]int64, error)
	BudgetTotals(ctx context.Context) (used, max int64, err error)
}

// statsRepo implements StatsRepository.
type statsRepo struct {
	db *DB
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(db *DB) StatsRepository {
	return &statsRepo{db: db}
}

// CountCampaignsByStatus returns campaign counts grouped by status.
func (r *statsRepo) CountCampaignsByStatus(ctx context.Context) (map[string]int64, error) {
	return r.countGrouped(ctx, `SELECT status, COUNT(*) FROM campaigns GROUP BY status`)
}

// CountContactsByStatus returns contact counts grouped by call status.
func (r *statsRepo) CountContactsByStatus(ctx context.Context) (map[string]int64, error) {
	return r.countGrouped(ctx, `SELECT call_status, COUNT(*) FROM contacts GROUP BY call_status`)
}

func (r *statsRepo) countGrouped(ctx context.Context, query string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying grouped counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// BudgetTotals returns the summed used and maximum channels across tenants.
func (r *statsRepo) BudgetTotals(ctx context.Context) (used, max int64, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(used_channels), 0), COALESCE(SUM(max_channels), 0)
		 FROM channel_budgets`,
	).Scan(&used, &max)
	if err != nil {
		return 0, 0, fmt.Errorf("querying budget totals: %w", err)
	}
	return used, max, nil
}
