package ivr

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
)

var (
	// errChannelGone means the caller hung up mid-session.
	errChannelGone = errors.New("channel gone")
	// errNoInput means the caller pressed nothing within the DTMF budget.
	errNoInput = errors.New("no input")
	// errValidation means the captured answer failed the step's rule.
	errValidation = errors.New("validation failed")
)

// session is one post-call menu interaction on a live channel.
type session struct {
	r         *Runner
	ctx       context.Context
	channelID string
	campaign  *models.Campaign
	contact   *models.Contact
	sub       *ari.Subscription
	logger    *slog.Logger
}

// run plays the campaign message and interprets the menu to completion.
// Every exit path leaves the channel hung up or handed to the dispatcher.
func (s *session) run() {
	if err := s.play(s.contact.Message); err != nil {
		if !errors.Is(err, errChannelGone) {
			s.logger.Error("playing campaign message failed", "error", err)
			s.hangup()
		}
		return
	}

	menu, err := s.r.menus.GetByCampaign(s.ctx, s.campaign.ID)
	if err != nil {
		s.logger.Error("loading menu failed", "error", err)
		s.hangup()
		return
	}
	if menu == nil || !menu.Active {
		s.hangup()
		return
	}

	options, err := menu.ParseOptions()
	if err != nil {
		s.logger.Error("parsing menu options failed", "error", err)
		s.hangup()
		return
	}

	greeting := menu.Greeting
	if greeting == "" {
		greeting = assembleGreeting(options)
	}

	digit, err := s.menuSelect(greeting)
	if err != nil {
		if errors.Is(err, errChannelGone) {
			return
		}
		if errors.Is(err, errNoInput) {
			s.playFinal(menu.ErrorMessage)
		}
		s.hangup()
		return
	}

	option := findOption(options, digit)
	if option == nil {
		s.logger.Info("unknown menu selection", "digit", digit)
		s.playFinal(menu.ErrorMessage)
		s.hangup()
		return
	}
	s.logger.Info("menu option selected", "key", option.Key, "action", option.Action)

	answers := make(map[string]string)
	for i := range option.Steps {
		step := &option.Steps[i]
		value, err := s.runStep(step, answers)
		if err != nil {
			if !errors.Is(err, errChannelGone) {
				msg := step.ErrorMessage
				if msg == "" {
					msg = menu.ErrorMessage
				}
				s.playFinal(msg)
				s.hangup()
			}
			return
		}
		if step.SaveAs != "" {
			answers[step.SaveAs] = value
		}
	}

	s.dispatch(option, answers, menu)
}

// dispatch executes the selected option's action with the captured answers.
func (s *session) dispatch(option *models.MenuOption, answers map[string]string, menu *models.PostCallMenu) {
	switch option.Action {
	case models.ActionPaymentCommitment:
		s.createCommitment(answers, menu)

	case models.ActionTransferAgent:
		bridged, position, err := s.r.agents.TransferToAgent(s.ctx, s.campaign, s.contact, s.channelID)
		if err != nil {
			s.logger.Error("agent transfer failed", "error", err)
			s.hangup()
			return
		}
		if bridged {
			return
		}
		msg := Render(menu.QueueMessage, map[string]string{
			"position": strconv.Itoa(position),
		})
		s.play(msg) //nolint:errcheck
		// The caller waits in the queue; the dispatcher removes them when
		// the channel ends or an agent frees up.

	default:
		s.logger.Warn("unknown menu action", "action", option.Action)
		s.hangup()
	}
}

// createCommitment persists the payment promise and confirms it to the
// caller.
func (s *session) createCommitment(answers map[string]string, menu *models.PostCallMenu) {
	day, err := strconv.Atoi(answers["commitmentDay"])
	if err != nil || day < 1 || day > 28 {
		s.logger.Error("commitment day missing or invalid", "value", answers["commitmentDay"])
		s.playFinal(menu.ErrorMessage)
		s.hangup()
		return
	}

	now := time.Now()
	commitment := &models.Commitment{
		ContactID:      s.contact.ID,
		CampaignID:     s.campaign.ID,
		CommitmentDate: time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, now.Location()),
		Source:         models.CommitmentAutomatic,
	}
	if err := s.r.commitments.Create(s.ctx, commitment); err != nil {
		s.logger.Error("persisting commitment failed", "error", err)
		s.playFinal(menu.ErrorMessage)
		s.hangup()
		return
	}
	s.logger.Info("commitment captured", "day", day)

	confirmation := Render(menu.ConfirmationMessage, map[string]string{
		"day": strconv.Itoa(day),
	})
	s.play(confirmation) //nolint:errcheck

	s.r.push.EmitToAdmins("commitment-created", map[string]any{
		"contactId":      s.contact.ID,
		"campaignId":     s.campaign.ID,
		"phone":          s.contact.Phone,
		"commitmentDate": commitment.CommitmentDate,
	})
	s.hangup()
}

// runStep captures one answer per the step's capture mode and validates it.
func (s *session) runStep(step *models.MenuStep, answers map[string]string) (string, error) {
	prompt := Render(step.Prompt, answers)

	var value string
	var err error
	switch step.Capture {
	case models.CaptureNumeric:
		value, err = s.captureNumeric(prompt, step.MaxDigits)
	default:
		value, err = s.captureSingleDigit(prompt)
	}
	if err != nil {
		return "", err
	}

	if vErr := Validate(step.Validation, value, time.Now()); vErr != nil {
		s.logger.Info("step answer rejected", "value", value, "rule", step.Validation, "reason", vErr)
		return "", errValidation
	}
	return value, nil
}

// captureSingleDigit plays the prompt with anticipated DTMF and accepts one
// key, waiting up to the step timeout past playback end.
func (s *session) captureSingleDigit(prompt string) (string, error) {
	digit, err := s.playAnticipated(prompt)
	if err != nil {
		return "", err
	}
	if digit != "" {
		return digit, nil
	}
	return s.waitDigit(s.r.stepTimeout)
}

// captureNumeric collects up to maxDigits keys. The first digit has the
// step budget; each further digit resets a short inter-digit timer whose
// expiry accepts what was collected so far.
func (s *session) captureNumeric(prompt string, maxDigits int) (string, error) {
	if maxDigits <= 0 {
		maxDigits = 1
	}

	var digits strings.Builder
	first, err := s.playAnticipated(prompt)
	if err != nil {
		return "", err
	}
	if first != "" {
		digits.WriteString(first)
	}

	for digits.Len() < maxDigits {
		timeout := s.r.interDigit
		if digits.Len() == 0 {
			timeout = s.r.stepTimeout
		}
		digit, err := s.waitDigit(timeout)
		if err != nil {
			if errors.Is(err, errNoInput) && digits.Len() > 0 {
				break
			}
			return "", err
		}
		digits.WriteString(digit)
	}
	return digits.String(), nil
}

// menuSelect plays the greeting with anticipated DTMF; a digit pressed
// during playback cancels it and selects immediately.
func (s *session) menuSelect(greeting string) (string, error) {
	digit, err := s.playAnticipated(greeting)
	if err != nil {
		return "", err
	}
	if digit != "" {
		return digit, nil
	}
	return s.waitDigit(s.r.menuTimeout)
}

// play synthesizes and plays text, blocking until the playback finishes.
func (s *session) play(text string) error {
	playbackID, err := s.startPlayback(text)
	if err != nil {
		return err
	}

	timer := time.NewTimer(s.r.playTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return errChannelGone
		case ev := <-s.sub.C:
			switch ev.Type {
			case ari.EventPlaybackFinished:
				if ev.Playback != nil && ev.Playback.ID == playbackID {
					return nil
				}
			case ari.EventStasisEnd, ari.EventChannelDestroyed:
				return errChannelGone
			}
		case <-timer.C:
			return nil
		}
	}
}

// playAnticipated plays text and returns the first digit pressed during
// playback, cancelling it. Returns "" when playback finished undisturbed.
func (s *session) playAnticipated(text string) (string, error) {
	playbackID, err := s.startPlayback(text)
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(s.r.playTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return "", errChannelGone
		case ev := <-s.sub.C:
			switch ev.Type {
			case ari.EventChannelDtmfReceived:
				s.r.ari.StopPlayback(s.ctx, playbackID) //nolint:errcheck
				return ev.Digit, nil
			case ari.EventPlaybackFinished:
				if ev.Playback != nil && ev.Playback.ID == playbackID {
					return "", nil
				}
			case ari.EventStasisEnd, ari.EventChannelDestroyed:
				return "", errChannelGone
			}
		case <-timer.C:
			return "", nil
		}
	}
}

// waitDigit waits for a single DTMF key within the timeout.
func (s *session) waitDigit(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return "", errChannelGone
		case ev := <-s.sub.C:
			switch ev.Type {
			case ari.EventChannelDtmfReceived:
				return ev.Digit, nil
			case ari.EventStasisEnd, ari.EventChannelDestroyed:
				return "", errChannelGone
			}
		case <-timer.C:
			return "", errNoInput
		}
	}
}

// startPlayback synthesizes the text and starts it on the channel.
func (s *session) startPlayback(text string) (string, error) {
	if text == "" {
		return "", errors.New("empty prompt")
	}
	path, err := s.r.tts.GetAudio(s.ctx, s.campaign.ID, text)
	if err != nil {
		return "", err
	}
	playbackID, err := s.r.ari.Play(s.ctx, s.channelID, "sound:"+path)
	if err != nil {
		return "", err
	}
	return playbackID, nil
}

// playFinal plays a terminal error message, ignoring failures.
func (s *session) playFinal(text string) {
	if text == "" {
		return
	}
	s.play(text) //nolint:errcheck
}

func (s *session) hangup() {
	s.r.ari.Hangup(s.ctx, s.channelID) //nolint:errcheck
}

// assembleGreeting builds a greeting from the option descriptors when the
// menu has no explicit one.
func assembleGreeting(options []models.MenuOption) string {
	parts := make([]string, 0, len(options))
	for _, opt := range options {
		if opt.Text != "" {
			parts = append(parts, opt.Text)
		}
	}
	return strings.Join(parts, ". ")
}

func findOption(options []models.MenuOption, key string) *models.MenuOption {
	for i := range options {
		if options[i].Key == key {
			return &options[i]
		}
	}
	return nil
}
