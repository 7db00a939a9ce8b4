package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dialcast/dialcast/internal/database/models"
)

// budgetRepo implements BudgetRepository.
type budgetRepo struct {
	db *DB
}

// NewBudgetRepository creates a new BudgetRepository.
func NewBudgetRepository(db *DB) BudgetRepository {
	return &budgetRepo{db: db}
}

// Get returns the user's budget row, or nil if none exists.
func (r *budgetRepo) Get(ctx context.Context, userID int64) (*models.ChannelBudget, error) {
	var b models.ChannelBudget
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, max_channels, used_channels FROM channel_budgets WHERE user_id = $1`,
		userID).Scan(&b.UserID, &b.MaxChannels, &b.UsedChannels)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel budget: %w", err)
	}
	return &b, nil
}

// CanAssign reports whether n more channels fit in the user's budget. It is
// advisory only; Reserve is the authoritative atomic check.
func (r *budgetRepo) CanAssign(ctx context.Context, userID int64, n int) (bool, error) {
	b, err := r.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	return b.UsedChannels+n <= b.MaxChannels, nil
}

// Reserve atomically increments used_channels by n iff the result stays
// within max_channels. A single conditional UPDATE guarantees the invariant
// under concurrent campaign creations.
func (r *budgetRepo) Reserve(ctx context.Context, userID int64, n int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE channel_budgets
		 SET used_channels = used_channels + $2
		 WHERE user_id = $1 AND used_channels + $2 <= max_channels`,
		userID, n)
	if err != nil {
		return fmt.Errorf("reserving channels: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading reserve row count: %w", err)
	}
	if affected == 0 {
		b, err := r.Get(ctx, userID)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("no channel budget for user %d", userID)
		}
		return &BudgetExceededError{
			UserID:    userID,
			Max:       b.MaxChannels,
			Used:      b.UsedChannels,
			Requested: n,
		}
	}
	return nil
}

// Release atomically decrements used_channels by n, floored at zero.
func (r *budgetRepo) Release(ctx context.Context, userID int64, n int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channel_budgets
		 SET used_channels = GREATEST(0, used_channels - $2)
		 WHERE user_id = $1`,
		userID, n)
	if err != nil {
		return fmt.Errorf("releasing channels: %w", err)
	}
	return nil
}

// Recompute replaces used_channels with the sum of concurrent_calls over the
// user's non-terminal campaigns. Recovery tool for drift after a crash.
func (r *budgetRepo) Recompute(ctx context.Context, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channel_budgets
		 SET used_channels = LEAST(max_channels, COALESCE((
		   SELECT SUM(concurrent_calls) FROM campaigns
		   WHERE user_id = $1 AND status IN ('SCHEDULED', 'RUNNING', 'PAUSED')
		 ), 0))
		 WHERE user_id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("recomputing channel budget: %w", err)
	}
	return nil
}

// RecomputeAll recomputes every user's budget in one statement.
func (r *budgetRepo) RecomputeAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE channel_budgets b
		 SET used_channels = LEAST(b.max_channels, COALESCE((
		   SELECT SUM(c.concurrent_calls) FROM campaigns c
		   WHERE c.user_id = b.user_id AND c.status IN ('SCHEDULED', 'RUNNING', 'PAUSED')
		 ), 0))`)
	if err != nil {
		return fmt.Errorf("recomputing all channel budgets: %w", err)
	}
	return nil
}
