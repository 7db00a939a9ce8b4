package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
	"github.com/dialcast/dialcast/internal/dialer"
)

type playRecord struct {
	channelID string
	mediaURI  string
	id        string
}

type fakeTelephony struct {
	mu          sync.Mutex
	plays       []playRecord
	playStarted chan playRecord
	stopped     []string
	hangups     []string
	events      chan ari.Event
	playSeq     int
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		playStarted: make(chan playRecord, 16),
		events:      make(chan ari.Event, 32),
	}
}

func (f *fakeTelephony) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	f.mu.Lock()
	f.playSeq++
	rec := playRecord{channelID: channelID, mediaURI: mediaURI, id: fmt.Sprintf("pb-%d", f.playSeq)}
	f.plays = append(f.plays, rec)
	f.mu.Unlock()
	f.playStarted <- rec
	return rec.id, nil
}

func (f *fakeTelephony) StopPlayback(ctx context.Context, playbackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, playbackID)
	return nil
}

func (f *fakeTelephony) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeTelephony) Subscribe(channelID string, buf int) *ari.Subscription {
	return &ari.Subscription{C: f.events}
}

func (f *fakeTelephony) SubscribeAll(buf int) *ari.Subscription {
	return &ari.Subscription{C: f.events}
}

func (f *fakeTelephony) awaitPlay(t *testing.T) playRecord {
	t.Helper()
	select {
	case rec := <-f.playStarted:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a playback to start")
		return playRecord{}
	}
}

func (f *fakeTelephony) finish(rec playRecord) {
	f.events <- ari.Event{
		Type:     ari.EventPlaybackFinished,
		Playback: &ari.Playback{ID: rec.id, TargetURI: "channel:" + rec.channelID},
	}
}

func (f *fakeTelephony) dtmf(digit string) {
	f.events <- ari.Event{Type: ari.EventChannelDtmfReceived, Digit: digit}
}

func (f *fakeTelephony) hungUp(channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.hangups {
		if id == channelID {
			return true
		}
	}
	return false
}

type fakeTTS struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeTTS) GetAudio(ctx context.Context, campaignID int64, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return fmt.Sprintf("tts/%d", len(f.texts)), nil
}

func (f *fakeTTS) lastText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.texts) == 0 {
		return ""
	}
	return f.texts[len(f.texts)-1]
}

type fakeCampaigns struct{ campaigns map[int64]*models.Campaign }

func (f *fakeCampaigns) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	return f.campaigns[id], nil
}

type fakeContacts struct {
	mu        sync.Mutex
	contacts  map[int64]*models.Contact
	successes []int64
	codes     []string
}

func (f *fakeContacts) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contacts[id], nil
}

func (f *fakeContacts) MarkSuccess(ctx context.Context, id int64, code, cause string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	f.codes = append(f.codes, code)
	return nil
}

type fakeMenus struct{ menu *models.PostCallMenu }

func (f *fakeMenus) GetByCampaign(ctx context.Context, campaignID int64) (*models.PostCallMenu, error) {
	return f.menu, nil
}

type fakeCommitments struct {
	mu      sync.Mutex
	created []models.Commitment
}

func (f *fakeCommitments) Create(ctx context.Context, c *models.Commitment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *c)
	return nil
}

type fakeAgents struct {
	mu        sync.Mutex
	bridged   bool
	position  int
	transfers []int64
	foreign   []string
	ended     []string
}

func (f *fakeAgents) TransferToAgent(ctx context.Context, campaign *models.Campaign, contact *models.Contact, callerChannel string) (bool, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, contact.ID)
	return f.bridged, f.position, nil
}

func (f *fakeAgents) OnForeignChannel(ctx context.Context, channelID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.foreign = append(f.foreign, channelID)
	return true
}

func (f *fakeAgents) OnChannelEnded(ctx context.Context, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, channelID)
}

type fakeTracker struct {
	mu      sync.Mutex
	flags   map[string]dialer.CallFlags
	removed []string
}

func (f *fakeTracker) Get(channelID string) (dialer.CallFlags, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flags, ok := f.flags[channelID]
	return flags, ok
}

func (f *fakeTracker) Remove(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.flags, channelID)
	f.removed = append(f.removed, channelID)
}

type pushedEvent struct {
	userID int64
	event  string
}

type fakePush struct {
	mu     sync.Mutex
	events []pushedEvent
}

func (f *fakePush) EmitToUser(userID int64, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushedEvent{userID: userID, event: event})
}

func (f *fakePush) EmitToAdmins(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, pushedEvent{event: event})
}

func (f *fakePush) has(userID int64, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.userID == userID && e.event == event {
			return true
		}
	}
	return false
}

type testEnv struct {
	runner      *Runner
	tel         *fakeTelephony
	tts         *fakeTTS
	contacts    *fakeContacts
	menus       *fakeMenus
	commitments *fakeCommitments
	agents      *fakeAgents
	tracker     *fakeTracker
	push        *fakePush
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		tel: newFakeTelephony(),
		tts: &fakeTTS{},
		contacts: &fakeContacts{contacts: map[int64]*models.Contact{
			7: {ID: 7, CampaignID: 3, Phone: "5551234", Message: "your account is overdue"},
		}},
		menus:       &fakeMenus{menu: testMenu()},
		commitments: &fakeCommitments{},
		agents:      &fakeAgents{},
		tracker:     &fakeTracker{flags: map[string]dialer.CallFlags{}},
		push:        &fakePush{},
	}
	campaigns := &fakeCampaigns{campaigns: map[int64]*models.Campaign{
		3: {ID: 3, UserID: 9, Name: "collections"},
	}}
	env.runner = NewRunner(env.tel, env.tts, campaigns, env.contacts, env.menus,
		env.commitments, env.agents, env.tracker, env.push, slog.Default())
	env.runner.menuTimeout = 50 * time.Millisecond
	env.runner.stepTimeout = 50 * time.Millisecond
	env.runner.interDigit = 30 * time.Millisecond
	env.runner.playTimeout = time.Second
	return env
}

func testMenu() *models.PostCallMenu {
	return &models.PostCallMenu{
		ID:                  1,
		CampaignID:          3,
		Active:              true,
		Greeting:            "press 1 to promise a payment, press 2 for an agent",
		QueueMessage:        "you are number {position} in line",
		ConfirmationMessage: "payment registered for day {day}",
		ErrorMessage:        "invalid selection",
		Options: `[
			{"key":"1","action":"payment_commitment","text":"press 1 to promise a payment","steps":[
				{"prompt":"enter the day of the month","capture":"numeric","maxDigits":2,"validation":"day_1_28","saveAs":"commitmentDay"}
			]},
			{"key":"2","action":"transfer_agent","text":"press 2 for an agent"}
		]`,
	}
}

func (env *testEnv) startSession(t *testing.T, channelID string) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.runner.runSession(context.Background(), channelID,
			dialer.CallFlags{ContactID: 7, CampaignID: 3, Up: true})
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionHangsUpWithoutMenu(t *testing.T) {
	env := newTestEnv(t)
	env.menus.menu = nil

	done := env.startSession(t, "chan-1")
	env.tel.finish(env.tel.awaitPlay(t))
	waitDone(t, done)

	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up when the campaign has no menu")
	}
}

func TestSessionHangsUpWhenMenuInactive(t *testing.T) {
	env := newTestEnv(t)
	env.menus.menu.Active = false

	done := env.startSession(t, "chan-1")
	env.tel.finish(env.tel.awaitPlay(t))
	waitDone(t, done)

	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up when the menu is inactive")
	}
}

func TestCommitmentFlowWithAnticipatedSelection(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	message := env.tel.awaitPlay(t)
	if env.tts.lastText() != "your account is overdue" {
		t.Errorf("first playback = %q, want the campaign message", env.tts.lastText())
	}
	env.tel.finish(message)

	greeting := env.tel.awaitPlay(t)
	// Press during the greeting: playback must be cancelled.
	env.tel.dtmf("1")

	prompt := env.tel.awaitPlay(t)
	if env.tts.lastText() != "enter the day of the month" {
		t.Errorf("step prompt = %q", env.tts.lastText())
	}
	env.tel.finish(prompt)
	env.tel.dtmf("1")
	env.tel.dtmf("5")

	confirmation := env.tel.awaitPlay(t)
	if got := env.tts.lastText(); got != "payment registered for day 15" {
		t.Errorf("confirmation = %q, want the rendered day", got)
	}
	env.tel.finish(confirmation)
	waitDone(t, done)

	env.tel.mu.Lock()
	stopped := append([]string(nil), env.tel.stopped...)
	env.tel.mu.Unlock()
	if len(stopped) != 1 || stopped[0] != greeting.id {
		t.Errorf("stopped playbacks = %v, want the greeting", stopped)
	}

	env.commitments.mu.Lock()
	created := append([]models.Commitment(nil), env.commitments.created...)
	env.commitments.mu.Unlock()
	if len(created) != 1 {
		t.Fatalf("created %d commitments, want 1", len(created))
	}
	c := created[0]
	if c.ContactID != 7 || c.CampaignID != 3 || c.Source != models.CommitmentAutomatic {
		t.Errorf("commitment = %+v", c)
	}
	if c.CommitmentDate.Day() != 15 {
		t.Errorf("commitment day = %d, want 15", c.CommitmentDate.Day())
	}
	if !env.push.has(0, "commitment-created") {
		t.Error("admins should be notified of the commitment")
	}
	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up after the confirmation")
	}
}

func TestNumericCaptureAcceptsOnInterDigitTimeout(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting
	env.tel.dtmf("1")                    // select commitment after playback

	env.tel.finish(env.tel.awaitPlay(t)) // step prompt
	env.tel.dtmf("8")
	// No second digit: the inter-digit timer accepts "8".

	confirmation := env.tel.awaitPlay(t)
	if got := env.tts.lastText(); got != "payment registered for day 8" {
		t.Errorf("confirmation = %q, want day 8", got)
	}
	env.tel.finish(confirmation)
	waitDone(t, done)
}

func TestMenuTimeoutPlaysErrorAndHangsUp(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting, no digit follows

	errPlay := env.tel.awaitPlay(t)
	if env.tts.lastText() != "invalid selection" {
		t.Errorf("error playback = %q", env.tts.lastText())
	}
	env.tel.finish(errPlay)
	waitDone(t, done)

	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up after the menu timeout")
	}
}

func TestUnknownSelectionPlaysError(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting
	env.tel.dtmf("9")

	env.tel.finish(env.tel.awaitPlay(t)) // error message
	waitDone(t, done)

	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up after an unknown selection")
	}
	env.commitments.mu.Lock()
	defer env.commitments.mu.Unlock()
	if len(env.commitments.created) != 0 {
		t.Error("no commitment should be created")
	}
}

func TestValidationFailureAbortsOption(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting
	env.tel.dtmf("1")

	env.tel.finish(env.tel.awaitPlay(t)) // step prompt
	env.tel.dtmf("3")
	env.tel.dtmf("1") // 31 is out of the 1-28 range

	errPlay := env.tel.awaitPlay(t)
	if env.tts.lastText() != "invalid selection" {
		t.Errorf("error playback = %q", env.tts.lastText())
	}
	env.tel.finish(errPlay)
	waitDone(t, done)

	env.commitments.mu.Lock()
	defer env.commitments.mu.Unlock()
	if len(env.commitments.created) != 0 {
		t.Error("invalid answer must not create a commitment")
	}
	if !env.tel.hungUp("chan-1") {
		t.Error("channel should be hung up after a failed validation")
	}
}

func TestTransferQueuedPlaysPosition(t *testing.T) {
	env := newTestEnv(t)
	env.agents.bridged = false
	env.agents.position = 3
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting
	env.tel.dtmf("2")

	queueMsg := env.tel.awaitPlay(t)
	if got := env.tts.lastText(); got != "you are number 3 in line" {
		t.Errorf("queue message = %q, want rendered position", got)
	}
	env.tel.finish(queueMsg)
	waitDone(t, done)

	env.agents.mu.Lock()
	transfers := append([]int64(nil), env.agents.transfers...)
	env.agents.mu.Unlock()
	if len(transfers) != 1 || transfers[0] != 7 {
		t.Errorf("transfers = %v, want contact 7", transfers)
	}
	// The queued caller stays up; the dispatcher owns it now.
	if env.tel.hungUp("chan-1") {
		t.Error("queued caller must not be hung up")
	}
}

func TestTransferBridgedEndsSessionSilently(t *testing.T) {
	env := newTestEnv(t)
	env.agents.bridged = true
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.finish(env.tel.awaitPlay(t)) // greeting
	env.tel.dtmf("2")
	waitDone(t, done)

	if env.tel.hungUp("chan-1") {
		t.Error("bridged caller must not be hung up")
	}
	env.tel.mu.Lock()
	plays := len(env.tel.plays)
	env.tel.mu.Unlock()
	if plays != 2 {
		t.Errorf("%d playbacks, want 2 (no queue message when bridged)", plays)
	}
}

func TestCallerHangupAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	done := env.startSession(t, "chan-1")

	env.tel.finish(env.tel.awaitPlay(t)) // message
	env.tel.awaitPlay(t)                 // greeting starts
	env.tel.events <- ari.Event{Type: ari.EventStasisEnd}
	waitDone(t, done)

	env.commitments.mu.Lock()
	defer env.commitments.mu.Unlock()
	if len(env.commitments.created) != 0 {
		t.Error("aborted session must not create state")
	}
}

func TestFinalizeMarksSuccessAndPokes(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.flags["chan-1"] = dialer.CallFlags{ContactID: 7, CampaignID: 3, Up: true}
	var poked []int64
	env.runner.OnFinished(func(campaignID, contactID int64) {
		poked = append(poked, campaignID)
	})

	env.runner.finalize(context.Background(), "chan-1")

	env.contacts.mu.Lock()
	successes := append([]int64(nil), env.contacts.successes...)
	codes := append([]string(nil), env.contacts.codes...)
	env.contacts.mu.Unlock()
	if len(successes) != 1 || successes[0] != 7 {
		t.Fatalf("successes = %v, want [7]", successes)
	}
	if codes[0] != "16" {
		t.Errorf("hangup code = %q, want 16", codes[0])
	}
	if len(poked) != 1 || poked[0] != 3 {
		t.Errorf("poked = %v, want campaign 3", poked)
	}
	if !env.push.has(9, "call-finished") {
		t.Error("campaign owner should receive call-finished")
	}
	env.agents.mu.Lock()
	ended := append([]string(nil), env.agents.ended...)
	env.agents.mu.Unlock()
	if len(ended) != 1 {
		t.Error("dispatcher should observe the channel end")
	}
	env.tracker.mu.Lock()
	removed := append([]string(nil), env.tracker.removed...)
	env.tracker.mu.Unlock()
	if len(removed) != 1 || removed[0] != "chan-1" {
		t.Errorf("removed = %v", removed)
	}
}

func TestFinalizeUntrackedChannelOnlyNotifiesDispatcher(t *testing.T) {
	env := newTestEnv(t)

	env.runner.finalize(context.Background(), "agent-leg")

	env.contacts.mu.Lock()
	successes := len(env.contacts.successes)
	env.contacts.mu.Unlock()
	if successes != 0 {
		t.Error("untracked channel must not touch contacts")
	}
	env.agents.mu.Lock()
	defer env.agents.mu.Unlock()
	if len(env.agents.ended) != 1 || env.agents.ended[0] != "agent-leg" {
		t.Errorf("ended = %v", env.agents.ended)
	}
}

func TestStasisStartRoutesForeignChannels(t *testing.T) {
	env := newTestEnv(t)

	env.runner.handleStasisStart(context.Background(), "spy-leg")
	env.runner.Wait()

	env.agents.mu.Lock()
	defer env.agents.mu.Unlock()
	if len(env.agents.foreign) != 1 || env.agents.foreign[0] != "spy-leg" {
		t.Errorf("foreign = %v, want [spy-leg]", env.agents.foreign)
	}
}

func TestAssembleGreetingFromOptions(t *testing.T) {
	options := []models.MenuOption{
		{Key: "1", Text: "press 1 to promise a payment"},
		{Key: "2", Text: "press 2 for an agent"},
		{Key: "3"},
	}
	got := assembleGreeting(options)
	want := "press 1 to promise a payment. press 2 for an agent"
	if got != want {
		t.Errorf("assembleGreeting = %q, want %q", got, want)
	}
	if strings.Contains(got, "3") {
		t.Error("options without text must not appear")
	}
}
