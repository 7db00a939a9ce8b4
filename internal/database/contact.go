package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// contactRepo implements ContactRepository.
type contactRepo struct {
	db *DB
}

// NewContactRepository creates a new ContactRepository.
func NewContactRepository(db *DB) ContactRepository {
	return &contactRepo{db: db}
}

const contactColumns = `id, campaign_id, phone, message, sequence, attempt_count,
	 call_status, hangup_code, hangup_cause, active_channel_id,
	 started_at, answered_at, finished_at, created_at`

// GetByID returns a contact by ID, or nil if it does not exist.
func (r *contactRepo) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id)
	return scanContact(row)
}

// ClaimNotCalled selects up to limit NOT_CALLED contacts of the campaign in
// sequence order, promotes them to CALLING and increments attempt_count, all
// inside one transaction. Rows locked by a concurrent claim are skipped.
func (r *contactRepo) ClaimNotCalled(ctx context.Context, campaignID int64, limit int) ([]models.Contact, error) {
	return r.claim(ctx, campaignID, limit,
		`SELECT id FROM contacts
		 WHERE campaign_id = $1 AND call_status = 'NOT_CALLED'
		 ORDER BY sequence ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`)
}

// ClaimRetryable selects up to limit FAILED contacts that still have retries
// left and whose last attempt finished before the backoff cutoff, ordered by
// finished_at ascending, and promotes them to CALLING.
func (r *contactRepo) ClaimRetryable(ctx context.Context, campaignID int64, maxRetries int, backoff time.Duration, limit int) ([]models.Contact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM contacts
		 WHERE campaign_id = $1 AND call_status = 'FAILED'
		   AND attempt_count < $2
		   AND (finished_at IS NULL OR finished_at < now() - $3::interval)
		 ORDER BY finished_at ASC NULLS FIRST
		 LIMIT $4
		 FOR UPDATE SKIP LOCKED`,
		campaignID, maxRetries, backoff.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting retryable contacts: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	contacts, err := promote(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim tx: %w", err)
	}
	return contacts, nil
}

func (r *contactRepo) claim(ctx context.Context, campaignID int64, limit int, selectSQL string) ([]models.Contact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectSQL, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting contacts: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, err
	}

	contacts, err := promote(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim tx: %w", err)
	}
	return contacts, nil
}

func collectIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning contact id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// promote moves the locked rows to CALLING. attempt_count increments here,
// at selection time, and never again for the same attempt.
func promote(ctx context.Context, tx *sql.Tx, ids []int64) ([]models.Contact, error) {
	contacts := make([]models.Contact, 0, len(ids))
	for _, id := range ids {
		row := tx.QueryRowContext(ctx,
			`UPDATE contacts
			 SET call_status = 'CALLING', attempt_count = attempt_count + 1,
			     started_at = now(), hangup_code = NULL, hangup_cause = NULL,
			     finished_at = NULL, answered_at = NULL
			 WHERE id = $1
			 RETURNING `+contactColumns, id)
		c, err := scanContact(row)
		if err != nil {
			return nil, fmt.Errorf("promoting contact %d: %w", id, err)
		}
		if c != nil {
			contacts = append(contacts, *c)
		}
	}
	return contacts, nil
}

// CountCalling counts the campaign's contacts in CALLING that hold a live
// channel. Contacts in CALLING without a channel are zombies and do not
// occupy a slot.
func (r *contactRepo) CountCalling(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts
		 WHERE campaign_id = $1 AND call_status = 'CALLING' AND active_channel_id IS NOT NULL`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting calling contacts: %w", err)
	}
	return n, nil
}

// CountProcessable counts contacts that could still be dialed: NOT_CALLED
// plus FAILED with retries left.
func (r *contactRepo) CountProcessable(ctx context.Context, campaignID int64, maxRetries int) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts
		 WHERE campaign_id = $1
		   AND (call_status = 'NOT_CALLED'
		        OR (call_status = 'FAILED' AND attempt_count < $2))`,
		campaignID, maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting processable contacts: %w", err)
	}
	return n, nil
}

// SetActiveChannel stores (or clears, with nil) the contact's live channel id.
func (r *contactRepo) SetActiveChannel(ctx context.Context, id int64, channelID *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET active_channel_id = $1 WHERE id = $2`, channelID, id)
	if err != nil {
		return fmt.Errorf("setting active channel: %w", err)
	}
	return nil
}

// MarkAnswered records the answer timestamp without leaving CALLING.
func (r *contactRepo) MarkAnswered(ctx context.Context, id int64, answeredAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts SET answered_at = $1 WHERE id = $2`, answeredAt, id)
	if err != nil {
		return fmt.Errorf("marking contact answered: %w", err)
	}
	return nil
}

// MarkFailed is a terminal transition out of CALLING. The active channel is
// cleared in the same statement.
func (r *contactRepo) MarkFailed(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts
		 SET call_status = 'FAILED', hangup_code = $1, hangup_cause = $2,
		     finished_at = $3, active_channel_id = NULL
		 WHERE id = $4`,
		code, cause, finishedAt, id)
	if err != nil {
		return fmt.Errorf("marking contact failed: %w", err)
	}
	return nil
}

// MarkSuccess is the terminal transition for an answered call, performed at
// StasisEnd so the slot is released only on real hangup.
func (r *contactRepo) MarkSuccess(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contacts
		 SET call_status = 'SUCCESS', hangup_code = $1, hangup_cause = $2,
		     finished_at = $3, active_channel_id = NULL
		 WHERE id = $4`,
		code, cause, finishedAt, id)
	if err != nil {
		return fmt.Errorf("marking contact success: %w", err)
	}
	return nil
}

// SweepZombies fails every contact stuck in CALLING. Used at startup and
// after a control-plane reconnect, when no live channel can exist for them.
func (r *contactRepo) SweepZombies(ctx context.Context, code, cause string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE contacts
		 SET call_status = 'FAILED', hangup_code = $1, hangup_cause = $2,
		     finished_at = now(), active_channel_id = NULL
		 WHERE call_status = 'CALLING'`,
		code, cause)
	if err != nil {
		return 0, fmt.Errorf("sweeping zombie contacts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading sweep row count: %w", err)
	}
	return n, nil
}

func scanContact(row *sql.Row) (*models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.CampaignID, &c.Phone, &c.Message, &c.Sequence,
		&c.AttemptCount, &c.CallStatus, &c.HangupCode, &c.HangupCause,
		&c.ActiveChannelID, &c.StartedAt, &c.AnsweredAt, &c.FinishedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning contact: %w", err)
	}
	return &c, nil
}
