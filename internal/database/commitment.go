package database

import (
	"context"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// commitmentRepo implements CommitmentRepository.
type commitmentRepo struct {
	db *DB
}

// NewCommitmentRepository creates a new CommitmentRepository.
func NewCommitmentRepository(db *DB) CommitmentRepository {
	return &commitmentRepo{db: db}
}

// Create inserts a new commitment.
func (r *commitmentRepo) Create(ctx context.Context, c *models.Commitment) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO commitments (contact_id, campaign_id, commitment_date, source, agent_id, note, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 RETURNING id, created_at`,
		c.ContactID, c.CampaignID, c.CommitmentDate, c.Source, c.AgentID, c.Note,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting commitment: %w", err)
	}
	return nil
}
