package database

import (
	"context"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
)

// CampaignRepository manages campaign rows.
type CampaignRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	ListByStatuses(ctx context.Context, statuses ...string) ([]models.Campaign, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	// TransitionStatus moves the campaign to the target status only when its
	// current status is one of from. Returns whether the row changed, so a
	// completing transition releases the channel budget exactly once.
	TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error)
}

// ContactRepository manages campaign contacts. Claim methods run inside a
// single transaction using FOR UPDATE SKIP LOCKED so concurrent schedulers
// never pick the same contact twice; they promote the selected rows to
// CALLING and increment attempt_count at selection time.
type ContactRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	ClaimNotCalled(ctx context.Context, campaignID int64, limit int) ([]models.Contact, error)
	ClaimRetryable(ctx context.Context, campaignID int64, maxRetries int, backoff time.Duration, limit int) ([]models.Contact, error)
	CountCalling(ctx context.Context, campaignID int64) (int, error)
	CountProcessable(ctx context.Context, campaignID int64, maxRetries int) (int, error)
	SetActiveChannel(ctx context.Context, id int64, channelID *string) error
	MarkAnswered(ctx context.Context, id int64, answeredAt time.Time) error
	MarkFailed(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error
	MarkSuccess(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error
	SweepZombies(ctx context.Context, code, cause string) (int64, error)
}

// MenuRepository manages per-campaign post-call menus.
type MenuRepository interface {
	GetByCampaign(ctx context.Context, campaignID int64) (*models.PostCallMenu, error)
	Save(ctx context.Context, menu *models.PostCallMenu) error
}

// CommitmentRepository persists payment commitments.
type CommitmentRepository interface {
	Create(ctx context.Context, c *models.Commitment) error
}

// BudgetRepository manages per-user channel budget accounting. Reserve uses
// a single conditional UPDATE so it survives concurrent campaign creations.
type BudgetRepository interface {
	Get(ctx context.Context, userID int64) (*models.ChannelBudget, error)
	CanAssign(ctx context.Context, userID int64, n int) (bool, error)
	Reserve(ctx context.Context, userID int64, n int) error
	Release(ctx context.Context, userID int64, n int) error
	Recompute(ctx context.Context, userID int64) error
	RecomputeAll(ctx context.Context) error
}

// UserRepository reads platform users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	ListCallCenterAgents(ctx context.Context) ([]models.User, error)
}

// BreakRepository manages the append-only agent break history.
type BreakRepository interface {
	Open(ctx context.Context, userID int64, reason, initiatedBy string) (*models.AgentBreak, error)
	CloseOpen(ctx context.Context, userID int64, endReason string) error
}

// CallEventRepository persists agent call lifecycle events.
type CallEventRepository interface {
	Insert(ctx context.Context, ev *models.AgentCallEvent) error
	HasRecentFinished(ctx context.Context, contactID int64, window time.Duration) (bool, error)
}
