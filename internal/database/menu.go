package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// menuRepo implements MenuRepository.
type menuRepo struct {
	db *DB
}

// NewMenuRepository creates a new MenuRepository.
func NewMenuRepository(db *DB) MenuRepository {
	return &menuRepo{db: db}
}

// GetByCampaign returns the campaign's post-call menu, or nil if none exists.
func (r *menuRepo) GetByCampaign(ctx context.Context, campaignID int64) (*models.PostCallMenu, error) {
	var m models.PostCallMenu
	err := r.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, active, greeting, queue_message,
		 confirmation_message, error_message, options, created_at, updated_at
		 FROM post_call_menus WHERE campaign_id = $1`, campaignID,
	).Scan(&m.ID, &m.CampaignID, &m.Active, &m.Greeting, &m.QueueMessage,
		&m.ConfirmationMessage, &m.ErrorMessage, &m.Options, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning post-call menu: %w", err)
	}
	return &m, nil
}

// Save upserts the campaign's menu. Callers must invalidate the campaign's
// TTS cache afterwards, even when the content is unchanged.
func (r *menuRepo) Save(ctx context.Context, menu *models.PostCallMenu) error {
	options := menu.Options
	if options == "" {
		options = "[]"
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO post_call_menus (campaign_id, active, greeting, queue_message,
		 confirmation_message, error_message, options, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		 ON CONFLICT (campaign_id) DO UPDATE SET
		   active = EXCLUDED.active,
		   greeting = EXCLUDED.greeting,
		   queue_message = EXCLUDED.queue_message,
		   confirmation_message = EXCLUDED.confirmation_message,
		   error_message = EXCLUDED.error_message,
		   options = EXCLUDED.options,
		   updated_at = now()
		 RETURNING id`,
		menu.CampaignID, menu.Active, menu.Greeting, menu.QueueMessage,
		menu.ConfirmationMessage, menu.ErrorMessage, options,
	).Scan(&menu.ID)
	if err != nil {
		return fmt.Errorf("saving post-call menu: %w", err)
	}
	return nil
}
