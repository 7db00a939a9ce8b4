package ivr

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/dialer"
)

// DTMF timing.
const (
	menuDTMFTimeout   = 8 * time.Second
	stepDTMFTimeout   = 15 * time.Second
	interDigitTimeout = 2 * time.Second
	playbackBudget    = 60 * time.Second
)

// Telephony is the control-plane slice the runner drives.
type Telephony interface {
	Play(ctx context.Context, channelID, mediaURI string) (string, error)
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
	Subscribe(channelID string, buf int) *ari.Subscription
	SubscribeAll(buf int) *ari.Subscription
}

// TTSProvider synthesizes prompt text into a playable handle.
type TTSProvider interface {
	GetAudio(ctx context.Context, campaignID int64, text string) (string, error)
}

// CampaignStore resolves campaigns for live channels.
type CampaignStore interface {
	GetByID(ctx context.Context, id int64) (*models.Campaign, error)
}

// ContactStore is the persistence surface of the post-call flow.
type ContactStore interface {
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
	MarkSuccess(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error
}

// MenuStore loads per-campaign menus.
type MenuStore interface {
	GetByCampaign(ctx context.Context, campaignID int64) (*models.PostCallMenu, error)
}

// CommitmentStore persists captured payment commitments.
type CommitmentStore interface {
	Create(ctx context.Context, c *models.Commitment) error
}

// AgentRouter is the dispatcher surface the runner delegates to.
type AgentRouter interface {
	TransferToAgent(ctx context.Context, campaign *models.Campaign, contact *models.Contact, callerChannel string) (bool, int, error)
	OnForeignChannel(ctx context.Context, channelID string) bool
	OnChannelEnded(ctx context.Context, channelID string)
}

// CallTracker resolves live channels back to their contact.
type CallTracker interface {
	Get(channelID string) (dialer.CallFlags, bool)
	Remove(channelID string)
}

// Publisher pushes dashboard events.
type Publisher interface {
	EmitToUser(userID int64, event string, payload any)
	EmitToAdmins(event string, payload any)
}

// Runner owns the application's channel routing: answered contact channels
// get the campaign message and the post-call menu, agent and spy legs are
// handed to the dispatcher, and every channel end is finalized exactly once.
type Runner struct {
	ari         Telephony
	tts         TTSProvider
	campaigns   CampaignStore
	contacts    ContactStore
	menus       MenuStore
	commitments CommitmentStore
	agents      AgentRouter
	tracker     CallTracker
	push        Publisher
	logger      *slog.Logger

	// onFinished pokes the scheduler after a successful call is finalized.
	onFinished func(campaignID, contactID int64)

	// Timing knobs; fixed in production, overridable in tests.
	menuTimeout time.Duration
	stepTimeout time.Duration
	interDigit  time.Duration
	playTimeout time.Duration

	wg sync.WaitGroup
}

// NewRunner creates a post-call flow runner.
func NewRunner(tel Telephony, tts TTSProvider, campaigns CampaignStore, contacts ContactStore,
	menus MenuStore, commitments CommitmentStore, agents AgentRouter, tracker CallTracker,
	push Publisher, logger *slog.Logger) *Runner {
	return &Runner{
		ari:         tel,
		tts:         tts,
		campaigns:   campaigns,
		contacts:    contacts,
		menus:       menus,
		commitments: commitments,
		agents:      agents,
		tracker:     tracker,
		push:        push,
		logger:      logger.With("component", "ivr"),
		menuTimeout: menuDTMFTimeout,
		stepTimeout: stepDTMFTimeout,
		interDigit:  interDigitTimeout,
		playTimeout: playbackBudget,
	}
}

// OnFinished registers the successful-call callback.
func (r *Runner) OnFinished(fn func(campaignID, contactID int64)) {
	r.onFinished = fn
}

// Wait blocks until all in-flight sessions return. Used on shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Run consumes the application event stream until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	sub := r.ari.SubscribeAll(128)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.C:
			switch ev.Type {
			case ari.EventStasisStart:
				r.handleStasisStart(ctx, ev.ChannelID())
			case ari.EventStasisEnd:
				channelID := ev.ChannelID()
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					r.finalize(ctx, channelID)
				}()
			}
		}
	}
}

// handleStasisStart routes a channel that entered the application: tracked
// contact channels start a menu session, agent and spy legs go to the
// dispatcher.
func (r *Runner) handleStasisStart(ctx context.Context, channelID string) {
	if channelID == "" {
		return
	}
	if flags, ok := r.tracker.Get(channelID); ok {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runSession(ctx, channelID, flags)
		}()
		return
	}
	if !r.agents.OnForeignChannel(ctx, channelID) {
		r.logger.Debug("unrecognized channel entered application", "channel_id", channelID)
	}
}

// finalize settles a channel that left the application. For a tracked
// contact channel this is the single terminal persistence of a successful
// call: the answered contact was left CALLING by the executor.
func (r *Runner) finalize(ctx context.Context, channelID string) {
	if channelID == "" {
		return
	}

	// Queue removal, assignment finish and spy teardown happen regardless
	// of whether the channel belongs to a contact.
	r.agents.OnChannelEnded(ctx, channelID)

	flags, tracked := r.tracker.Get(channelID)
	if !tracked {
		return
	}
	r.tracker.Remove(channelID)

	logger := r.logger.With(
		"channel_id", channelID,
		"contact_id", flags.ContactID,
		"campaign_id", flags.CampaignID,
	)

	now := time.Now()
	code := strconv.Itoa(dialer.CauseNormalClearing)
	if err := r.contacts.MarkSuccess(ctx, flags.ContactID, code, dialer.CauseText(dialer.CauseNormalClearing), now); err != nil {
		logger.Error("marking contact successful failed", "error", err)
	} else {
		logger.Info("call finalized", "status", models.CallSuccess)
	}

	if campaign, err := r.campaigns.GetByID(ctx, flags.CampaignID); err == nil && campaign != nil {
		r.push.EmitToUser(campaign.UserID, "call-finished", map[string]any{
			"contactId":  flags.ContactID,
			"campaignId": flags.CampaignID,
			"status":     models.CallSuccess,
		})
	}

	if r.onFinished != nil {
		r.onFinished(flags.CampaignID, flags.ContactID)
	}
}

// runSession plays the campaign message and runs the post-call menu.
func (r *Runner) runSession(ctx context.Context, channelID string, flags dialer.CallFlags) {
	logger := r.logger.With(
		"channel_id", channelID,
		"contact_id", flags.ContactID,
		"campaign_id", flags.CampaignID,
	)

	contact, err := r.contacts.GetByID(ctx, flags.ContactID)
	if err != nil || contact == nil {
		logger.Error("loading contact failed", "error", err)
		r.ari.Hangup(ctx, channelID) //nolint:errcheck
		return
	}
	campaign, err := r.campaigns.GetByID(ctx, flags.CampaignID)
	if err != nil || campaign == nil {
		logger.Error("loading campaign failed", "error", err)
		r.ari.Hangup(ctx, channelID) //nolint:errcheck
		return
	}

	sub := r.ari.Subscribe(channelID, 32)
	defer sub.Close()

	s := &session{
		r:         r,
		ctx:       ctx,
		channelID: channelID,
		campaign:  campaign,
		contact:   contact,
		sub:       sub,
		logger:    logger,
	}
	s.run()
}
