package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/dialer"
)

// Scheduler tuning.
const (
	tickInterval = time.Second
	batchMax     = 20
	retryBackoff = 5 * time.Second
)

// Cause code and text stamped on contacts swept as zombies at startup or
// after a control-plane reconnect.
const (
	zombieCode  = "SYSTEM_RESTART"
	zombieCause = "system restart"
)

// CampaignStore is the campaign persistence surface the scheduler needs.
type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
	ListByStatuses(ctx context.Context, statuses ...string) ([]models.Campaign, error)
	TransitionStatus(ctx context.Context, id int64, to string, from ...string) (bool, error)
}

// ContactStore is the contact persistence surface the scheduler needs.
type ContactStore interface {
	ClaimNotCalled(ctx context.Context, campaignID int64, limit int) ([]models.Contact, error)
	ClaimRetryable(ctx context.Context, campaignID int64, maxRetries int, backoff time.Duration, limit int) ([]models.Contact, error)
	CountCalling(ctx context.Context, campaignID int64) (int, error)
	CountProcessable(ctx context.Context, campaignID int64, maxRetries int) (int, error)
	MarkFailed(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error
	SweepZombies(ctx context.Context, code, cause string) (int64, error)
}

// BudgetStore releases and recomputes channel budgets.
type BudgetStore interface {
	Release(ctx context.Context, userID int64, n int) error
	RecomputeAll(ctx context.Context) error
}

// CallLauncher launches outbound attempts. A non-nil error is a synchronous
// launch failure; the scheduler fails the contact directly.
type CallLauncher interface {
	CallWithTTS(ctx context.Context, campaign *models.Campaign, contact *models.Contact) error
}

// Scheduler keeps every RUNNING campaign filled up to its concurrentCalls
// bound. It reacts to a periodic tick and to event-driven pokes whenever a
// contact leaves CALLING.
type Scheduler struct {
	campaigns CampaignStore
	contacts  ContactStore
	budget    BudgetStore
	dial      CallLauncher
	locks     *LockRegistry
	logger    *slog.Logger

	pokes chan int64
}

// New creates a scheduler.
func New(campaigns CampaignStore, contacts ContactStore, budget BudgetStore,
	dial CallLauncher, locks *LockRegistry, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		campaigns: campaigns,
		contacts:  contacts,
		budget:    budget,
		dial:      dial,
		locks:     locks,
		logger:    logger.With("component", "scheduler"),
		pokes:     make(chan int64, 256),
	}
}

// Poke schedules a process run for the campaign. Safe from any goroutine;
// drops when the poke buffer is full because the periodic tick will catch up.
func (s *Scheduler) Poke(campaignID int64) {
	select {
	case s.pokes <- campaignID:
	default:
	}
}

// OnCallFinished is wired as the executor's terminal callback. A no-answer
// outcome on a retryOnAnswer campaign re-pokes after the retry backoff so the
// contact is picked up as soon as it becomes claimable again.
func (s *Scheduler) OnCallFinished(campaignID, contactID int64, cause int) {
	s.Poke(campaignID)
	if cause != dialer.CauseNoAnswer {
		return
	}
	go func() {
		campaign, err := s.campaigns.GetByID(context.Background(), campaignID)
		if err != nil || campaign == nil || !campaign.RetryOnAnswer {
			return
		}
		time.AfterFunc(retryBackoff, func() {
			s.Poke(campaignID)
		})
	}()
}

// RecoverStartup sweeps zombie contacts and recomputes every user's channel
// budget. Must run before the first tick, and again after every control
// plane reconnect, when no previously-live channel can have survived.
func (s *Scheduler) RecoverStartup(ctx context.Context) {
	n, err := s.contacts.SweepZombies(ctx, zombieCode, zombieCause)
	if err != nil {
		s.logger.Error("zombie sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("swept zombie contacts", "count", n)
	}
	if err := s.budget.RecomputeAll(ctx); err != nil {
		s.logger.Error("budget recompute failed", "error", err)
	}
}

// Run drives the periodic tick and drains pokes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case campaignID := <-s.pokes:
			go s.Process(ctx, campaignID)
		}
	}
}

// tick scans schedulable campaigns, drives time-window transitions and
// enqueues a process run for every RUNNING campaign.
func (s *Scheduler) tick(ctx context.Context) {
	campaigns, err := s.campaigns.ListByStatuses(ctx, models.CampaignScheduled, models.CampaignRunning)
	if err != nil {
		s.logger.Error("listing schedulable campaigns failed", "error", err)
		return
	}

	now := time.Now()
	for i := range campaigns {
		c := &campaigns[i]

		if now.After(c.EndDate) {
			s.complete(ctx, c)
			continue
		}

		if c.Status == models.CampaignScheduled && c.InWindow(now) {
			changed, err := s.campaigns.TransitionStatus(ctx, c.ID, models.CampaignRunning, models.CampaignScheduled)
			if err != nil {
				s.logger.Error("starting campaign failed", "campaign_id", c.ID, "error", err)
				continue
			}
			if changed {
				s.logger.Info("campaign entered its window", "campaign_id", c.ID, "name", c.Name)
				c.Status = models.CampaignRunning
			}
		}

		if c.Status == models.CampaignRunning {
			go s.Process(ctx, c.ID)
		}
	}
}

// Process fills the campaign's free slots under its processing lock.
func (s *Scheduler) Process(ctx context.Context, campaignID int64) {
	if !s.locks.TryAcquire(campaignID) {
		return
	}
	defer s.locks.Release(campaignID)

	logger := s.logger.With("campaign_id", campaignID)

	campaign, err := s.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		logger.Error("reloading campaign failed", "error", err)
		return
	}
	if campaign == nil || campaign.Status != models.CampaignRunning {
		return
	}
	now := time.Now()
	if now.After(campaign.EndDate) {
		s.complete(ctx, campaign)
		return
	}
	if !campaign.InWindow(now) {
		return
	}

	active, err := s.contacts.CountCalling(ctx, campaignID)
	if err != nil {
		logger.Error("counting calling contacts failed", "error", err)
		return
	}
	free := campaign.ConcurrentCalls - active
	if free <= 0 {
		return
	}

	batch := min(free, batchMax)
	launched := s.launchClaimed(ctx, logger, campaign, batch, false)
	if remaining := batch - launched; remaining > 0 {
		s.launchClaimed(ctx, logger, campaign, remaining, true)
	}

	// Completion check: nothing left to dial and nothing in flight.
	processable, err := s.contacts.CountProcessable(ctx, campaignID, campaign.MaxRetries)
	if err != nil {
		logger.Error("counting processable contacts failed", "error", err)
		return
	}
	calling, err := s.contacts.CountCalling(ctx, campaignID)
	if err != nil {
		logger.Error("counting calling contacts failed", "error", err)
		return
	}
	if processable == 0 && calling == 0 {
		s.complete(ctx, campaign)
	}
}

// launchClaimed claims up to limit contacts (fresh or retryable) and hands
// them to the executor. Returns the number actually claimed.
func (s *Scheduler) launchClaimed(ctx context.Context, logger *slog.Logger, campaign *models.Campaign, limit int, retryable bool) int {
	var (
		contacts []models.Contact
		err      error
	)
	if retryable {
		contacts, err = s.contacts.ClaimRetryable(ctx, campaign.ID, campaign.MaxRetries, retryBackoff, limit)
	} else {
		contacts, err = s.contacts.ClaimNotCalled(ctx, campaign.ID, limit)
	}
	if err != nil {
		logger.Error("claiming contacts failed", "retryable", retryable, "error", err)
		return 0
	}

	for i := range contacts {
		contact := contacts[i]
		if err := s.dial.CallWithTTS(ctx, campaign, &contact); err != nil {
			logger.Error("launching call failed",
				"contact_id", contact.ID,
				"error", err,
			)
			if mErr := s.contacts.MarkFailed(ctx, contact.ID, "31", "general failure", time.Now()); mErr != nil {
				logger.Error("failing unlaunchable contact errored", "contact_id", contact.ID, "error", mErr)
			}
		}
	}
	return len(contacts)
}

// complete marks the campaign COMPLETED and releases its channel budget.
// The conditional transition guarantees the release happens exactly once.
func (s *Scheduler) complete(ctx context.Context, campaign *models.Campaign) {
	changed, err := s.campaigns.TransitionStatus(ctx, campaign.ID, models.CampaignCompleted,
		models.CampaignScheduled, models.CampaignRunning, models.CampaignPaused)
	if err != nil {
		s.logger.Error("completing campaign failed", "campaign_id", campaign.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	if err := s.budget.Release(ctx, campaign.UserID, campaign.ConcurrentCalls); err != nil {
		s.logger.Error("releasing campaign budget failed",
			"campaign_id", campaign.ID,
			"user_id", campaign.UserID,
			"error", err,
		)
	}
	s.logger.Info("campaign completed",
		"campaign_id", campaign.ID,
		"name", campaign.Name,
	)
}
