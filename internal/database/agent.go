package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// userRepo implements UserRepository.
type userRepo struct {
	db *DB
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *DB) UserRepository {
	return &userRepo{db: db}
}

// GetByID returns a user by ID, or nil if it does not exist.
func (r *userRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, email, role, extension, created_at, updated_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Extension, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// ListCallCenterAgents returns the users the dispatcher seeds its in-memory
// agent map from: call-center role with an extension set.
func (r *userRepo) ListCallCenterAgents(ctx context.Context) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, email, role, extension, created_at, updated_at
		 FROM users WHERE role = $1 AND extension <> '' ORDER BY id`,
		models.RoleCallCenter)
	if err != nil {
		return nil, fmt.Errorf("querying call center agents: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Extension,
			&u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// breakRepo implements BreakRepository.
type breakRepo struct {
	db *DB
}

// NewBreakRepository creates a new BreakRepository.
func NewBreakRepository(db *DB) BreakRepository {
	return &breakRepo{db: db}
}

// Open appends a new break record for the agent.
func (r *breakRepo) Open(ctx context.Context, userID int64, reason, initiatedBy string) (*models.AgentBreak, error) {
	b := &models.AgentBreak{
		UserID:      userID,
		Reason:      reason,
		InitiatedBy: initiatedBy,
		EndReason:   models.BreakStillActive,
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO agent_breaks (user_id, reason, initiated_by, end_reason, started_at)
		 VALUES ($1, $2, $3, $4, now())
		 RETURNING id, started_at`,
		b.UserID, b.Reason, b.InitiatedBy, b.EndReason,
	).Scan(&b.ID, &b.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("opening agent break: %w", err)
	}
	return b, nil
}

// CloseOpen closes the agent's still-active break, if any, recording the end
// reason and total duration.
func (r *breakRepo) CloseOpen(ctx context.Context, userID int64, endReason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE agent_breaks
		 SET ended_at = now(),
		     duration_seconds = EXTRACT(EPOCH FROM (now() - started_at))::int,
		     end_reason = $2
		 WHERE user_id = $1 AND end_reason = $3`,
		userID, endReason, models.BreakStillActive)
	if err != nil {
		return fmt.Errorf("closing agent break: %w", err)
	}
	return nil
}

// callEventRepo implements CallEventRepository.
type callEventRepo struct {
	db *DB
}

// NewCallEventRepository creates a new CallEventRepository.
func NewCallEventRepository(db *DB) CallEventRepository {
	return &callEventRepo{db: db}
}

// Insert appends an agent call lifecycle event.
func (r *callEventRepo) Insert(ctx context.Context, ev *models.AgentCallEvent) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO agent_call_events (contact_id, campaign_id, agent_id, event_type, duration_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 RETURNING id, created_at`,
		ev.ContactID, ev.CampaignID, ev.AgentID, ev.EventType, ev.DurationSeconds,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting agent call event: %w", err)
	}
	return nil
}

// HasRecentFinished reports whether a FINISHED event for the contact was
// persisted within the window. Second line of defense for the dedupe check.
func (r *callEventRepo) HasRecentFinished(ctx context.Context, contactID int64, window time.Duration) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM agent_call_events
		   WHERE contact_id = $1 AND event_type = $2 AND created_at > now() - $3::interval
		 )`,
		contactID, models.CallEventFinished, window.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking recent finished event: %w", err)
	}
	return exists, nil
}
