package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dialcast/dialcast/internal/database/models"
)

// campaignRepo implements CampaignRepository.
type campaignRepo struct {
	db *DB
}

// NewCampaignRepository creates a new CampaignRepository.
func NewCampaignRepository(db *DB) CampaignRepository {
	return &campaignRepo{db: db}
}

const campaignColumns = `id, name, start_date, end_date, max_retries, concurrent_calls,
	 retry_on_answer, status, user_id, created_at, updated_at`

// GetByID returns a campaign by ID, or nil if it does not exist.
func (r *campaignRepo) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// ListByStatuses returns all campaigns whose status is in the given set,
// ordered by id.
func (r *campaignRepo) ListByStatuses(ctx context.Context, statuses ...string) ([]models.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = s
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.StartDate, &c.EndDate, &c.MaxRetries,
			&c.ConcurrentCalls, &c.RetryOnAnswer, &c.Status, &c.UserID,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpdateStatus sets a campaign's status.
func (r *campaignRepo) UpdateStatus(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating campaign status: %w", err)
	}
	return nil
}

// TransitionStatus conditionally moves the campaign between statuses. The
// WHERE clause makes the transition atomic under concurrent schedulers.
func (r *campaignRepo) TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	placeholders := make([]string, len(from))
	args := []any{to, id}
	for i, s := range from {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET status = $1, updated_at = now()
		 WHERE id = $2 AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("transitioning campaign status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading transition row count: %w", err)
	}
	return affected > 0, nil
}

func scanCampaign(row *sql.Row) (*models.Campaign, error) {
	var c models.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.StartDate, &c.EndDate, &c.MaxRetries,
		&c.ConcurrentCalls, &c.RetryOnAnswer, &c.Status, &c.UserID,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning campaign: %w", err)
	}
	return &c, nil
}
