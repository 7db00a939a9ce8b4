package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialcast/dialcast/internal/ari"
	"github.com/dialcast/dialcast/internal/database/models"
)

// Dispatcher timing.
const (
	queueTickInterval    = 2 * time.Second
	queueWaitTimeout     = 300 * time.Second
	finishedDedupeWindow = 10 * time.Second
	agentAnswerTimeout   = 30 * time.Second
	spyAnswerTimeout     = 15 * time.Second
)

// ErrNoAgentAvailable means every connected agent is busy or on break.
var ErrNoAgentAvailable = errors.New("no agent available")

// Telephony is the control-plane slice the dispatcher drives.
type Telephony interface {
	Originate(ctx context.Context, req ari.OriginateRequest) error
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context) (string, error)
	AddToBridge(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	Snoop(ctx context.Context, channelID, snoopID, spy string) (string, error)
	GetVar(ctx context.Context, channelID, name string) (string, error)
}

// UserStore lists the agents the registry is seeded from.
type UserStore interface {
	ListCallCenterAgents(ctx context.Context) ([]models.User, error)
}

// ContactStore resolves contacts for supervisor snooping.
type ContactStore interface {
	GetByID(ctx context.Context, id int64) (*models.Contact, error)
}

// BreakStore persists the append-only break history.
type BreakStore interface {
	Open(ctx context.Context, userID int64, reason, initiatedBy string) (*models.AgentBreak, error)
	CloseOpen(ctx context.Context, userID int64, endReason string) error
}

// CallEventStore persists agent call lifecycle events.
type CallEventStore interface {
	Insert(ctx context.Context, ev *models.AgentCallEvent) error
	HasRecentFinished(ctx context.Context, contactID int64, window time.Duration) (bool, error)
}

// Publisher pushes dashboard events.
type Publisher interface {
	EmitToUser(userID int64, event string, payload any)
	EmitToAdmins(event string, payload any)
}

// assignment is one live caller-agent bridge.
type assignment struct {
	contactID     int64
	campaignID    int64
	ownerID       int64
	agentID       int64
	callerChannel string
	agentChannel  string
	bridgeID      string
	connectedAt   time.Time
}

// spySession is one live supervisor snoop.
type spySession struct {
	bridgeID     string
	snoopChannel string
}

// Dispatcher owns the in-memory agent model and the wait queue, performs
// least-calls assignment and bridges callers to agents.
type Dispatcher struct {
	ari      Telephony
	users    UserStore
	contacts ContactStore
	breaks   BreakStore
	events   CallEventStore
	push     Publisher
	registry *Registry
	queue    *WaitQueue
	logger   *slog.Logger

	mu           sync.Mutex
	assignments  map[int64]*assignment  // by contact id
	byChannel    map[string]*assignment // by caller and agent channel
	spies        map[string]*spySession // by supervisor leg channel
	waiters      map[string]chan string
	lastFinished map[int64]time.Time

	// drainMu serializes queue drains. Assigning a head spans an originate
	// and an answer wait, so concurrent drains would offer the same caller
	// to two agents.
	drainMu sync.Mutex

	// Timing knobs; fixed in production, overridable in tests.
	queueTimeout  time.Duration
	dedupeWindow  time.Duration
	answerTimeout time.Duration
	spyTimeout    time.Duration
}

// NewDispatcher creates an agent dispatcher.
func NewDispatcher(tel Telephony, users UserStore, contacts ContactStore,
	breaks BreakStore, events CallEventStore, push Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ari:           tel,
		users:         users,
		contacts:      contacts,
		breaks:        breaks,
		events:        events,
		push:          push,
		registry:      NewRegistry(),
		queue:         NewWaitQueue(),
		logger:        logger.With("component", "dispatcher"),
		assignments:   make(map[int64]*assignment),
		byChannel:     make(map[string]*assignment),
		spies:         make(map[string]*spySession),
		waiters:       make(map[string]chan string),
		lastFinished:  make(map[int64]time.Time),
		queueTimeout:  queueWaitTimeout,
		dedupeWindow:  finishedDedupeWindow,
		answerTimeout: agentAnswerTimeout,
		spyTimeout:    spyAnswerTimeout,
	}
}

// Init seeds the agent registry from the user store.
func (d *Dispatcher) Init(ctx context.Context) error {
	users, err := d.users.ListCallCenterAgents(ctx)
	if err != nil {
		return fmt.Errorf("loading call center agents: %w", err)
	}
	d.registry.Load(users)
	d.logger.Info("agent registry loaded", "agents", len(users))
	return nil
}

// Registry exposes agent state snapshots for the HTTP surface and metrics.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// QueueLen reports the number of waiting callers.
func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// QueueSnapshot returns the waiting callers in queue order.
func (d *Dispatcher) QueueSnapshot() []QueueEntry { return d.queue.Snapshot() }

// Run drives the queue tick until ctx is cancelled: expired waiters are
// hung up, then the head is offered to any free agent.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(queueTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.expireQueue(ctx)
			d.drainQueue(ctx)
		}
	}
}

// OnAgentConnected is the hub's presence hook for a user's first socket.
func (d *Dispatcher) OnAgentConnected(userID int64) {
	state, ok := d.registry.OnConnected(userID)
	if !ok {
		return
	}
	d.logger.Info("agent connected", "agent_id", userID, "status", state.Status)
	d.push.EmitToUser(userID, "agent-status-sync", state)
	d.broadcastAgents()
	if state.Status == StatusAvailable {
		go d.drainQueue(context.Background())
	}
}

// OnAgentDisconnected is the hub's presence hook for a user's last socket.
func (d *Dispatcher) OnAgentDisconnected(userID int64) {
	prev, ok := d.registry.OnDisconnected(userID)
	if !ok {
		return
	}
	d.logger.Info("agent disconnected", "agent_id", userID, "was", prev.Status)
	if prev.Status == StatusOnBreak {
		if err := d.breaks.CloseOpen(context.Background(), userID, models.BreakDisconnected); err != nil {
			d.logger.Error("closing break on disconnect failed", "agent_id", userID, "error", err)
		}
	}
	d.broadcastAgents()
}

// SetBreak is the agent-initiated break operation.
func (d *Dispatcher) SetBreak(ctx context.Context, userID int64, reason string) error {
	if err := d.registry.SetBreak(userID, reason); err != nil {
		return err
	}
	if _, err := d.breaks.Open(ctx, userID, reason, "agent"); err != nil {
		return fmt.Errorf("opening break: %w", err)
	}
	d.syncAgent(userID)
	d.broadcastAgents()
	return nil
}

// ClearBreak returns the agent from break.
func (d *Dispatcher) ClearBreak(ctx context.Context, userID int64) error {
	if err := d.registry.ClearBreak(userID); err != nil {
		return err
	}
	if err := d.breaks.CloseOpen(ctx, userID, models.BreakReturned); err != nil {
		return fmt.Errorf("closing break: %w", err)
	}
	d.syncAgent(userID)
	d.broadcastAgents()
	go d.drainQueue(context.Background())
	return nil
}

// ForceStatus is the supervisor override. The break history is reconciled
// with the forced transition.
func (d *Dispatcher) ForceStatus(ctx context.Context, userID int64, status, breakReason string) error {
	prev, err := d.registry.ForceStatus(userID, status, breakReason)
	if err != nil {
		return err
	}
	if prev.Status == StatusOnBreak && status != StatusOnBreak {
		if err := d.breaks.CloseOpen(ctx, userID, models.BreakForced); err != nil {
			d.logger.Error("closing forced break failed", "agent_id", userID, "error", err)
		}
	}
	if status == StatusOnBreak && prev.Status != StatusOnBreak {
		if _, err := d.breaks.Open(ctx, userID, breakReason, "supervisor"); err != nil {
			d.logger.Error("opening forced break failed", "agent_id", userID, "error", err)
		}
	}
	if state, ok := d.registry.Get(userID); ok {
		d.push.EmitToUser(userID, "agent-status-forced", state)
	}
	d.broadcastAgents()
	if status == StatusAvailable {
		go d.drainQueue(context.Background())
	}
	return nil
}

// TransferToAgent routes a live caller to an agent. When one is available
// the caller is bridged immediately and bridged is true. Otherwise the
// caller is enqueued and its 1-based position is returned.
func (d *Dispatcher) TransferToAgent(ctx context.Context, campaign *models.Campaign, contact *models.Contact, callerChannel string) (bridged bool, position int, err error) {
	entry := QueueEntry{
		ContactID:  contact.ID,
		CampaignID: campaign.ID,
		OwnerID:    campaign.UserID,
		Phone:      contact.Phone,
		ChannelID:  callerChannel,
	}

	switch assignErr := d.assign(ctx, entry); {
	case assignErr == nil:
		return true, 0, nil
	case errors.Is(assignErr, ErrNoAgentAvailable):
		position = d.queue.Enqueue(entry)
	default:
		// Bridge failure: the caller goes to the queue head.
		d.logger.Warn("bridging to agent failed, queueing caller",
			"contact_id", contact.ID, "error", assignErr)
		d.queue.PushFront(entry)
		position = 1
	}
	d.broadcastQueue()
	return false, position, nil
}

// RemoveFromQueue drops a waiting caller, typically because their channel
// ended. Reports whether the contact was queued.
func (d *Dispatcher) RemoveFromQueue(contactID int64) bool {
	_, ok := d.queue.Remove(contactID)
	if ok {
		d.broadcastQueue()
	}
	return ok
}

// assign picks an agent and bridges the caller to them. Returns
// ErrNoAgentAvailable when nobody can take the call; any other error is a
// bridge failure after which all agent state changes are rolled back.
func (d *Dispatcher) assign(ctx context.Context, entry QueueEntry) error {
	agent, ok := d.registry.TryAssign(ContactRef{
		ContactID:  entry.ContactID,
		CampaignID: entry.CampaignID,
		Phone:      entry.Phone,
	})
	if !ok {
		return ErrNoAgentAvailable
	}

	d.logEvent(ctx, entry, &agent.UserID, models.CallEventAssigned, 0)

	asg, err := d.bridge(ctx, agent, entry)
	if err != nil {
		d.registry.Rollback(agent.UserID)
		d.broadcastAgents()
		return err
	}

	d.mu.Lock()
	d.assignments[entry.ContactID] = asg
	d.byChannel[entry.ChannelID] = asg
	d.byChannel[asg.agentChannel] = asg
	d.mu.Unlock()

	d.logEvent(ctx, entry, &agent.UserID, models.CallEventConnected, 0)
	d.push.EmitToUser(agent.UserID, "agent-call-incoming", map[string]any{
		"contactId":  entry.ContactID,
		"campaignId": entry.CampaignID,
		"phone":      entry.Phone,
	})
	d.broadcastAgents()
	d.logger.Info("caller bridged to agent",
		"contact_id", entry.ContactID,
		"agent_id", agent.UserID,
		"bridge_id", asg.bridgeID,
	)
	return nil
}

// bridge originates the agent leg, waits for it to enter the application
// and mixes both channels into a fresh bridge.
func (d *Dispatcher) bridge(ctx context.Context, agent AgentState, entry QueueEntry) (*assignment, error) {
	masterID := uuid.NewString()
	answered := d.await("agent_answered_" + masterID)
	defer d.forget("agent_answered_" + masterID)

	agentChannel := uuid.NewString()
	req := ari.OriginateRequest{
		Endpoint:  "Local/" + agent.Extension,
		ChannelID: agentChannel,
		Timeout:   int(d.answerTimeout / time.Second),
		Variables: map[string]string{
			"AGENT_LEG":       "true",
			"AGENT_MASTER_ID": masterID,
			"CONTACT_ID":      strconv.FormatInt(entry.ContactID, 10),
		},
	}
	if err := d.ari.Originate(ctx, req); err != nil {
		return nil, fmt.Errorf("originating agent leg: %w", err)
	}

	select {
	case <-answered:
	case <-time.After(d.answerTimeout):
		d.ari.Hangup(context.Background(), agentChannel) //nolint:errcheck
		return nil, fmt.Errorf("agent %d did not answer", agent.UserID)
	case <-ctx.Done():
		d.ari.Hangup(context.Background(), agentChannel) //nolint:errcheck
		return nil, ctx.Err()
	}

	bridgeID, err := d.ari.CreateBridge(ctx)
	if err != nil {
		d.ari.Hangup(context.Background(), agentChannel) //nolint:errcheck
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	if err := d.ari.AddToBridge(ctx, bridgeID, entry.ChannelID); err != nil {
		d.teardownBridge(bridgeID, agentChannel)
		return nil, fmt.Errorf("adding caller to bridge: %w", err)
	}
	if err := d.ari.AddToBridge(ctx, bridgeID, agentChannel); err != nil {
		d.teardownBridge(bridgeID, agentChannel)
		return nil, fmt.Errorf("adding agent to bridge: %w", err)
	}

	return &assignment{
		contactID:     entry.ContactID,
		campaignID:    entry.CampaignID,
		ownerID:       entry.OwnerID,
		agentID:       agent.UserID,
		callerChannel: entry.ChannelID,
		agentChannel:  agentChannel,
		bridgeID:      bridgeID,
		connectedAt:   time.Now(),
	}, nil
}

func (d *Dispatcher) teardownBridge(bridgeID, agentChannel string) {
	ctx := context.Background()
	d.ari.DestroyBridge(ctx, bridgeID)   //nolint:errcheck
	d.ari.Hangup(ctx, agentChannel)      //nolint:errcheck
}

// OnForeignChannel inspects a channel that entered the application without
// being a tracked contact leg. Agent legs and supervisor spy legs are
// answered and their waiters signalled. Reports whether the channel was
// recognized.
func (d *Dispatcher) OnForeignChannel(ctx context.Context, channelID string) bool {
	if v, err := d.ari.GetVar(ctx, channelID, "SPY_LEG"); err == nil && v == "true" {
		masterID, _ := d.ari.GetVar(ctx, channelID, "SPY_MASTER_ID")
		if err := d.ari.Answer(ctx, channelID); err != nil {
			d.logger.Warn("answering spy leg failed", "channel_id", channelID, "error", err)
			d.signal("supervisor_failed_"+masterID, channelID)
			return true
		}
		d.signal("supervisor_answered_"+masterID, channelID)
		return true
	}
	if masterID, err := d.ari.GetVar(ctx, channelID, "AGENT_MASTER_ID"); err == nil && masterID != "" {
		if err := d.ari.Answer(ctx, channelID); err != nil {
			d.logger.Warn("answering agent leg failed", "channel_id", channelID, "error", err)
			return true
		}
		d.signal("agent_answered_"+masterID, channelID)
		return true
	}
	return false
}

// OnChannelEnded reconciles dispatcher state when any channel leaves the
// application: queued callers are removed, bridged calls are finished and
// spy sessions are torn down.
func (d *Dispatcher) OnChannelEnded(ctx context.Context, channelID string) {
	if entry, ok := d.queue.RemoveByChannel(channelID); ok {
		d.logger.Info("queued caller hung up", "contact_id", entry.ContactID,
			"waited", time.Since(entry.EnqueuedAt))
		d.logEvent(ctx, entry, nil, models.CallEventClientAbandoned, 0)
		d.broadcastQueue()
		return
	}

	// Either leg ending finishes the call: both index entries go, the
	// bridge is destroyed and the surviving leg is hung up.
	d.mu.Lock()
	asg, ok := d.byChannel[channelID]
	if ok {
		delete(d.byChannel, asg.callerChannel)
		delete(d.byChannel, asg.agentChannel)
		delete(d.assignments, asg.contactID)
	}
	d.mu.Unlock()
	if ok {
		duration := int(time.Since(asg.connectedAt).Seconds())
		other := asg.agentChannel
		if channelID == asg.agentChannel {
			other = asg.callerChannel
		}
		d.ari.DestroyBridge(ctx, asg.bridgeID) //nolint:errcheck
		d.ari.Hangup(ctx, other)               //nolint:errcheck
		d.OnAgentCallFinished(ctx, asg.contactID, asg.campaignID, asg.agentID, duration)
		return
	}

	d.mu.Lock()
	spy, ok := d.spies[channelID]
	if ok {
		delete(d.spies, channelID)
	}
	d.mu.Unlock()
	if ok {
		d.ari.DestroyBridge(ctx, spy.bridgeID)  //nolint:errcheck
		d.ari.Hangup(ctx, spy.snoopChannel)     //nolint:errcheck
		d.logger.Info("spy session ended", "channel_id", channelID)
	}
}

// OnAgentCallFinished records the end of an agent call. Duplicate
// notifications for the same contact within the dedupe window are dropped,
// both against the in-memory record and the persisted event log.
func (d *Dispatcher) OnAgentCallFinished(ctx context.Context, contactID, campaignID, agentID int64, durationSeconds int) {
	now := time.Now()
	d.mu.Lock()
	if last, ok := d.lastFinished[contactID]; ok && now.Sub(last) < d.dedupeWindow {
		d.mu.Unlock()
		d.logger.Debug("duplicate call-finished dropped", "contact_id", contactID)
		return
	}
	d.lastFinished[contactID] = now
	for id, at := range d.lastFinished {
		if now.Sub(at) > d.dedupeWindow {
			delete(d.lastFinished, id)
		}
	}
	d.mu.Unlock()

	if recent, err := d.events.HasRecentFinished(ctx, contactID, d.dedupeWindow); err != nil {
		d.logger.Error("checking persisted finished events failed", "contact_id", contactID, "error", err)
	} else if recent {
		d.logger.Debug("persisted duplicate call-finished dropped", "contact_id", contactID)
		return
	}

	d.registry.FinishCall(agentID)

	ev := &models.AgentCallEvent{
		ContactID:       contactID,
		CampaignID:      campaignID,
		AgentID:         &agentID,
		EventType:       models.CallEventFinished,
		DurationSeconds: durationSeconds,
	}
	if err := d.events.Insert(ctx, ev); err != nil {
		d.logger.Error("persisting finished event failed", "contact_id", contactID, "error", err)
	}

	d.push.EmitToUser(agentID, "agent-call-ended", map[string]any{
		"contactId":       contactID,
		"campaignId":      campaignID,
		"durationSeconds": durationSeconds,
	})
	d.broadcastAgents()
	go d.drainQueue(context.Background())
}

// SpyCall lets a supervisor listen in on a live call. A local channel to the
// supervisor's extension is originated; once it enters the application a
// snoop channel against the caller's leg is mixed with it in a fresh bridge.
func (d *Dispatcher) SpyCall(ctx context.Context, contactID int64, supervisorExtension string) error {
	contact, err := d.contacts.GetByID(ctx, contactID)
	if err != nil {
		return fmt.Errorf("loading contact: %w", err)
	}
	if contact == nil || contact.ActiveChannelID == nil {
		return fmt.Errorf("contact %d has no live channel", contactID)
	}

	masterID := uuid.NewString()
	answered := d.await("supervisor_answered_" + masterID)
	failed := d.await("supervisor_failed_" + masterID)
	defer d.forget("supervisor_answered_" + masterID)
	defer d.forget("supervisor_failed_" + masterID)

	supChannel := uuid.NewString()
	req := ari.OriginateRequest{
		Endpoint:  "Local/" + supervisorExtension,
		ChannelID: supChannel,
		Timeout:   int(d.spyTimeout / time.Second),
		Variables: map[string]string{
			"SPY_LEG":       "true",
			"SPY_MASTER_ID": masterID,
		},
	}
	if err := d.ari.Originate(ctx, req); err != nil {
		return fmt.Errorf("originating supervisor leg: %w", err)
	}

	select {
	case <-answered:
	case <-failed:
		return fmt.Errorf("supervisor leg failed")
	case <-time.After(d.spyTimeout):
		d.ari.Hangup(context.Background(), supChannel) //nolint:errcheck
		return fmt.Errorf("supervisor did not answer")
	case <-ctx.Done():
		d.ari.Hangup(context.Background(), supChannel) //nolint:errcheck
		return ctx.Err()
	}

	snoopChannel, err := d.ari.Snoop(ctx, *contact.ActiveChannelID, "snoop-"+masterID, "both")
	if err != nil {
		d.ari.Hangup(context.Background(), supChannel) //nolint:errcheck
		return fmt.Errorf("creating snoop channel: %w", err)
	}
	bridgeID, err := d.ari.CreateBridge(ctx)
	if err != nil {
		d.ari.Hangup(context.Background(), supChannel) //nolint:errcheck
		d.ari.Hangup(context.Background(), snoopChannel) //nolint:errcheck
		return fmt.Errorf("creating spy bridge: %w", err)
	}
	if err := d.ari.AddToBridge(ctx, bridgeID, supChannel); err == nil {
		err = d.ari.AddToBridge(ctx, bridgeID, snoopChannel)
	}
	if err != nil {
		d.ari.DestroyBridge(context.Background(), bridgeID) //nolint:errcheck
		d.ari.Hangup(context.Background(), supChannel)      //nolint:errcheck
		d.ari.Hangup(context.Background(), snoopChannel)    //nolint:errcheck
		return fmt.Errorf("mixing spy bridge: %w", err)
	}

	d.mu.Lock()
	d.spies[supChannel] = &spySession{bridgeID: bridgeID, snoopChannel: snoopChannel}
	d.mu.Unlock()

	d.logger.Info("spy session started",
		"contact_id", contactID,
		"supervisor_extension", supervisorExtension,
		"bridge_id", bridgeID,
	)
	return nil
}

// expireQueue hangs up callers that waited past the queue timeout.
func (d *Dispatcher) expireQueue(ctx context.Context) {
	expired := d.queue.PopExpired(d.queueTimeout)
	for _, e := range expired {
		d.logger.Info("queued caller timed out", "contact_id", e.ContactID,
			"waited", time.Since(e.EnqueuedAt))
		d.ari.Hangup(ctx, e.ChannelID) //nolint:errcheck
		d.logEvent(ctx, e, nil, models.CallEventTimeout, 0)
	}
	if len(expired) > 0 {
		d.broadcastQueue()
	}
}

// drainQueue assigns queue heads to free agents until either runs out.
// Drains are serialized and each head is popped before the assignment
// starts, so a caller is never offered to two agents at once. A head that
// could not be bridged goes back to the front with its enqueue time intact.
func (d *Dispatcher) drainQueue(ctx context.Context) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	for {
		head, ok := d.queue.PopHead()
		if !ok {
			return
		}
		err := d.assign(ctx, head)
		if err != nil {
			d.queue.PushFront(head)
			if !errors.Is(err, ErrNoAgentAvailable) {
				d.logger.Warn("assigning queue head failed", "contact_id", head.ContactID, "error", err)
			}
			return
		}
		d.broadcastQueue()
	}
}

// await registers a oneshot correlation waiter.
func (d *Dispatcher) await(key string) chan string {
	ch := make(chan string, 1)
	d.mu.Lock()
	d.waiters[key] = ch
	d.mu.Unlock()
	return ch
}

// signal fires a registered waiter, if any.
func (d *Dispatcher) signal(key, value string) bool {
	d.mu.Lock()
	ch, ok := d.waiters[key]
	if ok {
		delete(d.waiters, key)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	ch <- value
	return true
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.waiters, key)
	d.mu.Unlock()
}

func (d *Dispatcher) logEvent(ctx context.Context, entry QueueEntry, agentID *int64, eventType string, duration int) {
	ev := &models.AgentCallEvent{
		ContactID:       entry.ContactID,
		CampaignID:      entry.CampaignID,
		AgentID:         agentID,
		EventType:       eventType,
		DurationSeconds: duration,
	}
	if err := d.events.Insert(ctx, ev); err != nil {
		d.logger.Error("persisting call event failed",
			"contact_id", entry.ContactID,
			"event_type", eventType,
			"error", err,
		)
	}
}

func (d *Dispatcher) syncAgent(userID int64) {
	if state, ok := d.registry.Get(userID); ok {
		d.push.EmitToUser(userID, "agent-status-sync", state)
	}
}

func (d *Dispatcher) broadcastAgents() {
	d.push.EmitToAdmins("agents-state-update", map[string]any{
		"agents": d.registry.Snapshot(),
	})
}

func (d *Dispatcher) broadcastQueue() {
	d.push.EmitToAdmins("queue-state-update", map[string]any{
		"queue": d.queue.Snapshot(),
	})
}
