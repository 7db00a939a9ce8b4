package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
)

type fakeTelephony struct {
	mu         sync.Mutex
	d          *Dispatcher
	autoAnswer bool

	originated []ari.OriginateRequest
	hangups    []string
	bridges    []string
	added      map[string][]string
	destroyed  []string
	snooped    []string
	vars       map[string]map[string]string

	originateErr error
	addErr       error

	// originateGate, when set, blocks Originate until the gate is closed.
	originateGate chan struct{}
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		added: make(map[string][]string),
		vars:  make(map[string]map[string]string),
	}
}

func (f *fakeTelephony) Originate(ctx context.Context, req ari.OriginateRequest) error {
	f.mu.Lock()
	f.originated = append(f.originated, req)
	f.vars[req.ChannelID] = req.Variables
	gate := f.originateGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if f.originateErr != nil {
		return f.originateErr
	}
	if f.autoAnswer {
		if id := req.Variables["AGENT_MASTER_ID"]; id != "" {
			go f.d.signal("agent_answered_"+id, req.ChannelID)
		}
		if req.Variables["SPY_LEG"] == "true" {
			go f.d.signal("supervisor_answered_"+req.Variables["SPY_MASTER_ID"], req.ChannelID)
		}
	}
	return nil
}

func (f *fakeTelephony) Answer(ctx context.Context, channelID string) error { return nil }

func (f *fakeTelephony) Hangup(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, channelID)
	return nil
}

func (f *fakeTelephony) CreateBridge(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("bridge-%d", len(f.bridges)+1)
	f.bridges = append(f.bridges, id)
	return id, nil
}

func (f *fakeTelephony) AddToBridge(ctx context.Context, bridgeID, channelID string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[bridgeID] = append(f.added[bridgeID], channelID)
	return nil
}

func (f *fakeTelephony) DestroyBridge(ctx context.Context, bridgeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, bridgeID)
	return nil
}

func (f *fakeTelephony) Snoop(ctx context.Context, channelID, snoopID, spy string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snooped = append(f.snooped, channelID+"/"+spy)
	return "snoop-chan-" + channelID, nil
}

func (f *fakeTelephony) GetVar(ctx context.Context, channelID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vars, ok := f.vars[channelID]
	if !ok {
		return "", errors.New("no such channel")
	}
	return vars[name], nil
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

type fakeUsers struct{ agents []models.User }

func (f *fakeUsers) ListCallCenterAgents(ctx context.Context) ([]models.User, error) {
	return f.agents, nil
}

type fakeContactStore struct{ contacts map[int64]*models.Contact }

func (f *fakeContactStore) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	return f.contacts[id], nil
}

type fakeBreaks struct {
	mu     sync.Mutex
	opened []string // reason/initiatedBy
	closed []string // endReason
}

func (f *fakeBreaks) Open(ctx context.Context, userID int64, reason, initiatedBy string) (*models.AgentBreak, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, reason+"/"+initiatedBy)
	return &models.AgentBreak{UserID: userID, Reason: reason}, nil
}

func (f *fakeBreaks) CloseOpen(ctx context.Context, userID int64, endReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, endReason)
	return nil
}

type fakeEvents struct {
	mu             sync.Mutex
	events         []models.AgentCallEvent
	recentFinished bool
}

func (f *fakeEvents) Insert(ctx context.Context, ev *models.AgentCallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeEvents) HasRecentFinished(ctx context.Context, contactID int64, window time.Duration) (bool, error) {
	return f.recentFinished, nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.EventType
	}
	return out
}

func (f *fakeEvents) count(eventType string) int {
	n := 0
	for _, t := range f.types() {
		if t == eventType {
			n++
		}
	}
	return n
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeTelephony, *fakeBreaks, *fakeEvents, *fakePush) {
	t.Helper()
	tel := newFakeTelephony()
	breaks := &fakeBreaks{}
	events := &fakeEvents{}
	push := &fakePush{}
	users := &fakeUsers{agents: []models.User{
		{ID: 1, Name: "alice", Extension: "101"},
		{ID: 2, Name: "bob", Extension: "102"},
	}}
	contacts := &fakeContactStore{contacts: map[int64]*models.Contact{}}

	d := NewDispatcher(tel, users, contacts, breaks, events, push, slog.Default())
	tel.d = d
	if err := d.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.answerTimeout = 200 * time.Millisecond
	d.spyTimeout = 200 * time.Millisecond
	return d, tel, breaks, events, push
}

func testEntryContact(id int64) (*models.Campaign, *models.Contact) {
	return &models.Campaign{ID: 3, UserID: 9},
		&models.Contact{ID: id, CampaignID: 3, Phone: "5551234"}
}

func TestTransferBridgesToAvailableAgent(t *testing.T) {
	d, tel, _, events, push := newTestDispatcher(t)
	d.registry.OnConnected(1)
	tel.autoAnswer = true

	campaign, contact := testEntryContact(7)
	bridged, _, err := d.TransferToAgent(context.Background(), campaign, contact, "caller-chan")
	if err != nil {
		t.Fatal(err)
	}
	if !bridged {
		t.Fatal("caller should be bridged immediately")
	}

	state, _ := d.registry.Get(1)
	if state.Status != StatusOnCall || state.TotalCallsToday != 1 {
		t.Errorf("agent state = %+v, want ON_CALL with 1 call", state)
	}

	tel.mu.Lock()
	if len(tel.originated) != 1 || tel.originated[0].Endpoint != "Local/101" {
		t.Errorf("originated = %+v, want one leg to Local/101", tel.originated)
	}
	if len(tel.bridges) != 1 || len(tel.added["bridge-1"]) != 2 {
		t.Errorf("bridge members = %v, want caller and agent leg", tel.added)
	}
	tel.mu.Unlock()

	if got := events.types(); len(got) != 2 || got[0] != models.CallEventAssigned || got[1] != models.CallEventConnected {
		t.Errorf("events = %v, want [ASSIGNED CONNECTED]", got)
	}
	if !push.has(1, "agent-call-incoming") {
		t.Error("agent should receive agent-call-incoming")
	}
}

func TestTransferEnqueuesWhenNoAgentAvailable(t *testing.T) {
	d, _, _, events, _ := newTestDispatcher(t)

	campaign, first := testEntryContact(7)
	bridged, pos, err := d.TransferToAgent(context.Background(), campaign, first, "chan-a")
	if err != nil || bridged {
		t.Fatalf("bridged=%v err=%v, want queued", bridged, err)
	}
	if pos != 1 {
		t.Errorf("position = %d, want 1", pos)
	}

	_, second := testEntryContact(8)
	_, pos, _ = d.TransferToAgent(context.Background(), campaign, second, "chan-b")
	if pos != 2 {
		t.Errorf("second position = %d, want 2", pos)
	}
	if len(events.types()) != 0 {
		t.Errorf("no call events expected while queued, got %v", events.types())
	}
}

func TestBridgeFailureRollsBackAndQueuesAtHead(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	d.registry.OnConnected(1)
	tel.autoAnswer = true
	tel.addErr = errors.New("bridge refused")

	campaign, contact := testEntryContact(7)
	bridged, pos, err := d.TransferToAgent(context.Background(), campaign, contact, "caller-chan")
	if err != nil {
		t.Fatal(err)
	}
	if bridged || pos != 1 {
		t.Fatalf("bridged=%v pos=%d, want queued at head", bridged, pos)
	}

	state, _ := d.registry.Get(1)
	if state.Status != StatusAvailable || state.ActiveCalls != 0 || state.TotalCallsToday != 0 {
		t.Errorf("agent state after rollback = %+v", state)
	}
	head, ok := d.queue.Head()
	if !ok || head.ContactID != 7 {
		t.Errorf("queue head = %+v, want contact 7", head)
	}
}

func TestAgentAnswerTimeoutFailsAssignment(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	d.registry.OnConnected(1)
	d.answerTimeout = 20 * time.Millisecond

	campaign, contact := testEntryContact(7)
	bridged, pos, err := d.TransferToAgent(context.Background(), campaign, contact, "caller-chan")
	if err != nil {
		t.Fatal(err)
	}
	if bridged || pos != 1 {
		t.Fatalf("bridged=%v pos=%d, want queued", bridged, pos)
	}

	tel.mu.Lock()
	agentLeg := tel.originated[0].ChannelID
	tel.mu.Unlock()
	if !tel.hungUp(agentLeg) {
		t.Error("unanswered agent leg should be hung up")
	}
}

func TestDrainQueueAssignsHead(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	d.queue.Enqueue(QueueEntry{ContactID: 7, CampaignID: 3, OwnerID: 9, Phone: "555", ChannelID: "caller-chan"})
	d.registry.OnConnected(1)
	tel.autoAnswer = true

	d.drainQueue(context.Background())

	if d.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", d.queue.Len())
	}
	d.mu.Lock()
	_, assigned := d.assignments[7]
	d.mu.Unlock()
	if !assigned {
		t.Error("contact should have a live assignment")
	}
}

func TestConcurrentDrainsAssignCallerOnce(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	d.queue.Enqueue(QueueEntry{ContactID: 7, CampaignID: 3, OwnerID: 9, Phone: "555", ChannelID: "caller-chan"})
	d.registry.OnConnected(1)
	d.registry.OnConnected(2)
	tel.autoAnswer = true
	tel.originateGate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.drainQueue(context.Background())
		}()
	}
	// Let both drains reach the queue before any agent leg can answer.
	time.Sleep(50 * time.Millisecond)
	close(tel.originateGate)
	wg.Wait()

	tel.mu.Lock()
	originated := len(tel.originated)
	tel.mu.Unlock()
	if originated != 1 {
		t.Errorf("agent legs originated = %d, want 1", originated)
	}

	onCall := 0
	for _, state := range d.registry.Snapshot() {
		if state.Status == StatusOnCall {
			onCall++
		}
	}
	if onCall != 1 {
		t.Errorf("agents ON_CALL = %d, want 1", onCall)
	}

	d.mu.Lock()
	assignments := len(d.assignments)
	d.mu.Unlock()
	if assignments != 1 {
		t.Errorf("live assignments = %d, want 1", assignments)
	}
	if d.queue.Len() != 0 {
		t.Errorf("queue len = %d, want 0", d.queue.Len())
	}
}

func TestExpireQueueHangsUpAndLogsTimeout(t *testing.T) {
	d, tel, _, events, _ := newTestDispatcher(t)
	d.queueTimeout = 10 * time.Millisecond
	d.queue.Enqueue(QueueEntry{ContactID: 7, CampaignID: 3, ChannelID: "caller-chan"})

	time.Sleep(20 * time.Millisecond)
	d.expireQueue(context.Background())

	if !tel.hungUp("caller-chan") {
		t.Error("expired caller should be hung up")
	}
	if events.count(models.CallEventTimeout) != 1 {
		t.Errorf("TIMEOUT events = %d, want 1", events.count(models.CallEventTimeout))
	}
	if d.queue.Len() != 0 {
		t.Error("expired entry should leave the queue")
	}
}

func TestAbandonedCallerLeavesQueue(t *testing.T) {
	d, _, _, events, _ := newTestDispatcher(t)
	d.queue.Enqueue(QueueEntry{ContactID: 7, CampaignID: 3, ChannelID: "caller-chan"})

	d.OnChannelEnded(context.Background(), "caller-chan")

	if d.queue.Len() != 0 {
		t.Error("abandoned caller should leave the queue")
	}
	if events.count(models.CallEventClientAbandoned) != 1 {
		t.Errorf("CLIENT_ABANDONED events = %d, want 1", events.count(models.CallEventClientAbandoned))
	}
}

func TestCallerHangupFinishesAssignment(t *testing.T) {
	d, tel, _, events, push := newTestDispatcher(t)
	d.registry.OnConnected(1)
	tel.autoAnswer = true

	campaign, contact := testEntryContact(7)
	if bridged, _, _ := d.TransferToAgent(context.Background(), campaign, contact, "caller-chan"); !bridged {
		t.Fatal("setup: transfer should bridge")
	}
	tel.mu.Lock()
	agentLeg := tel.originated[0].ChannelID
	tel.mu.Unlock()

	d.OnChannelEnded(context.Background(), "caller-chan")

	if events.count(models.CallEventFinished) != 1 {
		t.Errorf("FINISHED events = %d, want 1", events.count(models.CallEventFinished))
	}
	if !tel.hungUp(agentLeg) {
		t.Error("agent leg should be hung up")
	}
	tel.mu.Lock()
	destroyed := len(tel.destroyed)
	tel.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("destroyed %d bridges, want 1", destroyed)
	}

	state, _ := d.registry.Get(1)
	if state.Status != StatusAvailable || state.ActiveCalls != 0 {
		t.Errorf("agent state = %+v, want AVAILABLE", state)
	}
	if state.TotalCallsToday != 1 {
		t.Errorf("totalCallsToday = %d, want 1", state.TotalCallsToday)
	}
	if !push.has(1, "agent-call-ended") {
		t.Error("agent should receive agent-call-ended")
	}
}

func TestAgentHangupFinishesAssignment(t *testing.T) {
	d, tel, _, events, _ := newTestDispatcher(t)
	d.registry.OnConnected(1)
	tel.autoAnswer = true

	campaign, contact := testEntryContact(7)
	if bridged, _, _ := d.TransferToAgent(context.Background(), campaign, contact, "caller-chan"); !bridged {
		t.Fatal("setup: transfer should bridge")
	}
	tel.mu.Lock()
	agentLeg := tel.originated[0].ChannelID
	tel.mu.Unlock()

	// The agent leg leaves the application first.
	d.OnChannelEnded(context.Background(), agentLeg)

	if events.count(models.CallEventFinished) != 1 {
		t.Errorf("FINISHED events = %d, want 1", events.count(models.CallEventFinished))
	}
	if !tel.hungUp("caller-chan") {
		t.Error("caller leg should be hung up")
	}
	tel.mu.Lock()
	destroyed := len(tel.destroyed)
	tel.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("destroyed %d bridges, want 1", destroyed)
	}
	state, _ := d.registry.Get(1)
	if state.Status != StatusAvailable || state.ActiveCalls != 0 {
		t.Errorf("agent state = %+v, want AVAILABLE", state)
	}

	// The caller's own end event arrives afterwards and must be a no-op.
	d.OnChannelEnded(context.Background(), "caller-chan")
	if events.count(models.CallEventFinished) != 1 {
		t.Error("late caller end should not double-finish the call")
	}
	if events.count(models.CallEventClientAbandoned) != 0 {
		t.Error("late caller end should not count as an abandon")
	}
}

func TestFinishedDedupeInMemory(t *testing.T) {
	d, _, _, events, _ := newTestDispatcher(t)

	d.OnAgentCallFinished(context.Background(), 7, 3, 1, 30)
	d.OnAgentCallFinished(context.Background(), 7, 3, 1, 30)

	if events.count(models.CallEventFinished) != 1 {
		t.Errorf("FINISHED events = %d, want 1 (duplicate dropped)", events.count(models.CallEventFinished))
	}
}

func TestFinishedDedupePersisted(t *testing.T) {
	d, _, _, events, _ := newTestDispatcher(t)
	events.recentFinished = true

	d.OnAgentCallFinished(context.Background(), 7, 3, 1, 30)

	if events.count(models.CallEventFinished) != 0 {
		t.Error("persisted duplicate should be dropped")
	}
}

func TestOnForeignChannelRecognizesLegs(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	tel.vars["spy-leg"] = map[string]string{"SPY_LEG": "true", "SPY_MASTER_ID": "m1"}
	answered := d.await("supervisor_answered_m1")
	if !d.OnForeignChannel(ctx, "spy-leg") {
		t.Fatal("spy leg should be recognized")
	}
	select {
	case got := <-answered:
		if got != "spy-leg" {
			t.Errorf("signalled channel = %q", got)
		}
	default:
		t.Fatal("spy waiter not signalled")
	}

	tel.vars["agent-leg"] = map[string]string{"AGENT_MASTER_ID": "m2"}
	answered = d.await("agent_answered_m2")
	if !d.OnForeignChannel(ctx, "agent-leg") {
		t.Fatal("agent leg should be recognized")
	}
	select {
	case <-answered:
	default:
		t.Fatal("agent waiter not signalled")
	}

	if d.OnForeignChannel(ctx, "unknown-chan") {
		t.Error("unknown channel should not be claimed")
	}
}

func TestSpyCallSnoopsAndTearsDown(t *testing.T) {
	d, tel, _, _, _ := newTestDispatcher(t)
	tel.autoAnswer = true
	liveChannel := "caller-live"
	d.contacts.(*fakeContactStore).contacts[7] = &models.Contact{
		ID: 7, CampaignID: 3, ActiveChannelID: &liveChannel,
	}

	if err := d.SpyCall(context.Background(), 7, "200"); err != nil {
		t.Fatal(err)
	}

	tel.mu.Lock()
	supLeg := tel.originated[0].ChannelID
	if tel.originated[0].Endpoint != "Local/200" {
		t.Errorf("supervisor endpoint = %q", tel.originated[0].Endpoint)
	}
	if len(tel.snooped) != 1 || tel.snooped[0] != "caller-live/both" {
		t.Errorf("snooped = %v, want caller-live in both directions", tel.snooped)
	}
	tel.mu.Unlock()

	d.OnChannelEnded(context.Background(), supLeg)
	tel.mu.Lock()
	destroyed := len(tel.destroyed)
	tel.mu.Unlock()
	if destroyed != 1 {
		t.Error("spy bridge should be destroyed on supervisor hangup")
	}
	if !tel.hungUp("snoop-chan-caller-live") {
		t.Error("snoop channel should be hung up")
	}
}

func TestSpyCallRequiresLiveChannel(t *testing.T) {
	d, _, _, _, _ := newTestDispatcher(t)
	d.contacts.(*fakeContactStore).contacts[7] = &models.Contact{ID: 7}

	if err := d.SpyCall(context.Background(), 7, "200"); err == nil {
		t.Error("spying on a contact without a live channel should fail")
	}
}

func TestBreakLifecycle(t *testing.T) {
	d, _, breaks, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	d.registry.OnConnected(1)

	if err := d.SetBreak(ctx, 1, "lunch"); err != nil {
		t.Fatal(err)
	}
	state, _ := d.registry.Get(1)
	if state.Status != StatusOnBreak {
		t.Errorf("status = %s, want ON_BREAK", state.Status)
	}
	breaks.mu.Lock()
	opened := append([]string(nil), breaks.opened...)
	breaks.mu.Unlock()
	if len(opened) != 1 || opened[0] != "lunch/agent" {
		t.Errorf("opened breaks = %v", opened)
	}

	if err := d.ClearBreak(ctx, 1); err != nil {
		t.Fatal(err)
	}
	state, _ = d.registry.Get(1)
	if state.Status != StatusAvailable {
		t.Errorf("status = %s, want AVAILABLE", state.Status)
	}
	breaks.mu.Lock()
	closed := append([]string(nil), breaks.closed...)
	breaks.mu.Unlock()
	if len(closed) != 1 || closed[0] != models.BreakReturned {
		t.Errorf("closed breaks = %v", closed)
	}
}

func TestDisconnectClosesOpenBreak(t *testing.T) {
	d, _, breaks, _, _ := newTestDispatcher(t)
	d.registry.OnConnected(1)
	d.SetBreak(context.Background(), 1, "lunch") //nolint:errcheck

	d.OnAgentDisconnected(1)

	breaks.mu.Lock()
	defer breaks.mu.Unlock()
	if len(breaks.closed) != 1 || breaks.closed[0] != models.BreakDisconnected {
		t.Errorf("closed breaks = %v, want [DISCONNECTED]", breaks.closed)
	}
}

func TestForceStatusReconcilesBreakHistory(t *testing.T) {
	d, _, breaks, _, push := newTestDispatcher(t)
	ctx := context.Background()
	d.registry.OnConnected(1)

	if err := d.ForceStatus(ctx, 1, StatusOnBreak, "meeting"); err != nil {
		t.Fatal(err)
	}
	breaks.mu.Lock()
	opened := append([]string(nil), breaks.opened...)
	breaks.mu.Unlock()
	if len(opened) != 1 || opened[0] != "meeting/supervisor" {
		t.Errorf("opened = %v", opened)
	}
	if !push.has(1, "agent-status-forced") {
		t.Error("agent should be notified of the forced status")
	}

	if err := d.ForceStatus(ctx, 1, StatusAvailable, ""); err != nil {
		t.Fatal(err)
	}
	breaks.mu.Lock()
	closed := append([]string(nil), breaks.closed...)
	breaks.mu.Unlock()
	if len(closed) != 1 || closed[0] != models.BreakForced {
		t.Errorf("closed = %v, want [FORCED_BY_SUPERVISOR]", closed)
	}
}
