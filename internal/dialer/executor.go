package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
)

// Attempt timing. The ring timeout is enforced per trunk by the platform;
// the hard timeout is enforced locally with a monotonic timer.
const (
	ringTimeoutSec     = 45
	attemptHardTimeout = 70 * time.Second
)

// Telephony is the slice of the control plane the executor drives.
type Telephony interface {
	Originate(ctx context.Context, req ari.OriginateRequest) error
	Hangup(ctx context.Context, channelID string) error
	Subscribe(channelID string, buf int) *ari.Subscription
}

// TTSProvider synthesizes campaign text into a playable handle.
type TTSProvider interface {
	GetAudio(ctx context.Context, campaignID int64, text string) (string, error)
}

// ContactStore is the persistence surface the executor needs.
type ContactStore interface {
	SetActiveChannel(ctx context.Context, id int64, channelID *string) error
	MarkAnswered(ctx context.Context, id int64, answeredAt time.Time) error
	MarkFailed(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error
}

// Publisher pushes dashboard events.
type Publisher interface {
	EmitToUser(userID int64, event string, payload any)
	EmitToAdmins(event string, payload any)
}

// attemptResult is the outcome of one trunk attempt.
type attemptResult struct {
	success   bool
	cause     int
	causeText string
}

// Executor drives the per-channel state machine of outbound attempts. Each
// invocation guarantees exactly one terminal persistence: either the contact
// fails here, or it stays CALLING for the post-call flow to finalize at
// StasisEnd.
type Executor struct {
	ari      Telephony
	tts      TTSProvider
	contacts ContactStore
	tracker  *Tracker
	events   Publisher
	trunks   []string
	callerID string
	logger   *slog.Logger

	// hardTimeout is the per-attempt budget; overridable in tests.
	hardTimeout time.Duration

	// onFinished is invoked after a terminal failure so the scheduler can
	// refill the freed slot (and evaluate no-answer retries).
	onFinished func(campaignID, contactID int64, cause int)

	wg sync.WaitGroup
}

// NewExecutor creates a call executor.
func NewExecutor(tel Telephony, tts TTSProvider, contacts ContactStore, tracker *Tracker,
	events Publisher, trunks []string, callerID string, logger *slog.Logger) *Executor {
	return &Executor{
		ari:         tel,
		tts:         tts,
		contacts:    contacts,
		tracker:     tracker,
		events:      events,
		trunks:      trunks,
		callerID:    callerID,
		logger:      logger.With("component", "executor"),
		hardTimeout: attemptHardTimeout,
	}
}

// OnFinished registers the terminal-failure callback.
func (e *Executor) OnFinished(fn func(campaignID, contactID int64, cause int)) {
	e.onFinished = fn
}

// Wait blocks until all in-flight attempts return. Used on shutdown.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// CallWithTTS launches an outbound attempt for the contact. It returns
// immediately; the attempt runs in the background and never lets a failure
// escape the goroutine.
func (e *Executor) CallWithTTS(ctx context.Context, campaign *models.Campaign, contact *models.Contact) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx, campaign, contact)
	}()
	return nil
}

func (e *Executor) run(ctx context.Context, campaign *models.Campaign, contact *models.Contact) {
	logger := e.logger.With(
		"campaign_id", campaign.ID,
		"contact_id", contact.ID,
		"phone", contact.Phone,
	)

	e.events.EmitToUser(campaign.UserID, "call-initiated", map[string]any{
		"contactId":  contact.ID,
		"campaignId": campaign.ID,
		"phone":      contact.Phone,
	})

	// Synthesize up front so playback on answer is a cache hit.
	if _, err := e.tts.GetAudio(ctx, campaign.ID, contact.Message); err != nil {
		logger.Error("tts synthesis failed", "error", err)
		e.finishFailed(ctx, campaign, contact, "TTS_ERROR", "TTS ERROR", 0)
		return
	}

	var last attemptResult
	for _, trunk := range e.trunks {
		if ctx.Err() != nil {
			return
		}
		res := e.attempt(ctx, logger, campaign, contact, trunk)
		last = res
		if res.success {
			// The answered call stays CALLING; its end is signalled by
			// StasisEnd and finalized there.
			logger.Info("call answered", "trunk", trunk)
			return
		}
		logger.Debug("trunk attempt failed",
			"trunk", trunk,
			"cause", res.cause,
			"cause_text", res.causeText,
		)
		if res.cause == CauseNormalClearing || res.cause == CauseBusy {
			break
		}
	}

	e.finishFailed(ctx, campaign, contact, strconv.Itoa(last.cause), last.causeText, last.cause)
}

// attempt originates one channel through the trunk and runs the per-channel
// state machine to a resolution.
func (e *Executor) attempt(ctx context.Context, logger *slog.Logger, campaign *models.Campaign, contact *models.Contact, trunk string) attemptResult {
	channelID := uuid.NewString()
	e.tracker.Register(channelID, contact.ID, campaign.ID)
	defer func() {
		// An answered channel stays tracked for the post-call flow.
		if flags, ok := e.tracker.Get(channelID); !ok || !flags.Up {
			e.tracker.Remove(channelID)
		}
	}()

	if err := e.contacts.SetActiveChannel(ctx, contact.ID, &channelID); err != nil {
		logger.Error("storing active channel failed", "error", err, "channel_id", channelID)
	}

	sub := e.ari.Subscribe(channelID, 16)
	defer sub.Close()

	req := ari.OriginateRequest{
		Endpoint:  fmt.Sprintf("SIP/%s/%s", trunk, contact.Phone),
		CallerID:  e.callerID,
		Timeout:   ringTimeoutSec,
		ChannelID: channelID,
		Variables: map[string]string{
			"CONTACT_ID":  strconv.FormatInt(contact.ID, 10),
			"CAMPAIGN_ID": strconv.FormatInt(campaign.ID, 10),
		},
	}
	if err := e.ari.Originate(ctx, req); err != nil {
		logger.Warn("originate failed", "trunk", trunk, "error", err)
		return attemptResult{cause: 34, causeText: CauseText(34)}
	}

	timer := time.NewTimer(e.hardTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.ari.Hangup(context.Background(), channelID)
			return attemptResult{cause: 31, causeText: CauseText(31)}

		case ev := <-sub.C:
			switch ev.Type {
			case ari.EventChannelStateChange:
				if ev.Channel == nil {
					continue
				}
				switch ev.Channel.State {
				case ari.StateRinging:
					e.tracker.SetRang(channelID)
				case ari.StateUp:
					if !e.tracker.SetUp(channelID) {
						continue
					}
					now := time.Now()
					if err := e.contacts.MarkAnswered(ctx, contact.ID, now); err != nil {
						logger.Error("marking answered failed", "error", err)
					}
					return attemptResult{success: true, cause: CauseNormalClearing, causeText: "Answered"}
				}

			case ari.EventChannelDestroyed:
				cause := ev.Cause
				if cause == 0 {
					cause = 31
				}
				return attemptResult{cause: cause, causeText: CauseText(cause)}
			}

		case <-timer.C:
			e.ari.Hangup(context.Background(), channelID)
			if flags, ok := e.tracker.Get(channelID); ok && flags.Up {
				return attemptResult{success: true, cause: CauseNormalClearing, causeText: "Answered but truncated"}
			}
			return attemptResult{cause: CauseNoAnswer, causeText: CauseText(CauseNoAnswer)}
		}
	}
}

// finishFailed performs the single terminal persistence of a failed
// invocation and pokes the scheduler.
func (e *Executor) finishFailed(ctx context.Context, campaign *models.Campaign, contact *models.Contact, code, causeText string, cause int) {
	now := time.Now()
	if err := e.contacts.MarkFailed(ctx, contact.ID, code, causeText, now); err != nil {
		e.logger.Error("marking contact failed errored",
			"contact_id", contact.ID,
			"error", err,
		)
	}

	e.events.EmitToUser(campaign.UserID, "call-finished", map[string]any{
		"contactId":  contact.ID,
		"campaignId": campaign.ID,
		"status":     models.CallFailed,
	})

	if e.onFinished != nil {
		e.onFinished(campaign.ID, contact.ID, cause)
	}
}
