package agents

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dialcast/dialcast/internal/database/models"
)

// Agent statuses. Runtime-only; the persisted record is the break history.
const (
	StatusOffline   = "OFFLINE"
	StatusAvailable = "AVAILABLE"
	StatusOnBreak   = "ON_BREAK"
	StatusOnCall    = "ON_CALL"
)

// ContactRef identifies the live call an agent is handling.
type ContactRef struct {
	ContactID  int64  `json:"contactId"`
	CampaignID int64  `json:"campaignId"`
	Phone      string `json:"phone"`
}

// AgentState is the in-memory runtime state of one call-center agent.
type AgentState struct {
	UserID          int64       `json:"userId"`
	Name            string      `json:"name"`
	Extension       string      `json:"extension"`
	Status          string      `json:"status"`
	BreakReason     string      `json:"breakReason,omitempty"`
	Connected       bool        `json:"connected"`
	ActiveCalls     int         `json:"activeCalls"`
	TotalCallsToday int         `json:"totalCallsToday"`
	CurrentContact  *ContactRef `json:"currentContact,omitempty"`

	// seen orders agents by first registration for assignment tie-breaks.
	seen int
}

// Registry is the guarded map of agent states.
type Registry struct {
	mu     sync.Mutex
	agents map[int64]*AgentState
	order  int
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[int64]*AgentState)}
}

// Load seeds the registry from the user store. Existing runtime state is
// preserved for agents already registered.
func (r *Registry) Load(users []models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range users {
		if existing, ok := r.agents[u.ID]; ok {
			existing.Name = u.Name
			existing.Extension = u.Extension
			continue
		}
		r.order++
		r.agents[u.ID] = &AgentState{
			UserID:    u.ID,
			Name:      u.Name,
			Extension: u.Extension,
			Status:    StatusOffline,
			seen:      r.order,
		}
	}
}

// Get returns a copy of the agent's state.
func (r *Registry) Get(userID int64) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return AgentState{}, false
	}
	return *a, true
}

// Snapshot returns copies of every agent state in registration order.
func (r *Registry) Snapshot() []AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentState, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seen < out[j].seen })
	return out
}

// StatusCounts returns the number of agents per status.
func (r *Registry) StatusCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

// OnConnected marks the agent's socket as present. An OFFLINE agent becomes
// AVAILABLE unless a break reason is pending; reconnects never clobber
// ON_CALL or ON_BREAK.
func (r *Registry) OnConnected(userID int64) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return AgentState{}, false
	}
	a.Connected = true
	if a.Status == StatusOffline {
		if a.BreakReason != "" {
			a.Status = StatusOnBreak
		} else {
			a.Status = StatusAvailable
		}
	}
	return *a, true
}

// OnDisconnected marks the agent offline. Returns the state before the
// transition so the caller can close an open break.
func (r *Registry) OnDisconnected(userID int64) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return AgentState{}, false
	}
	prev := *a
	a.Connected = false
	a.Status = StatusOffline
	return prev, true
}

// SetBreak puts the agent on break. Refused while the agent is on a call.
func (r *Registry) SetBreak(userID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return fmt.Errorf("unknown agent %d", userID)
	}
	if a.Status == StatusOnCall {
		return fmt.Errorf("agent %d is on a call", userID)
	}
	a.BreakReason = reason
	if a.Connected {
		a.Status = StatusOnBreak
	}
	return nil
}

// ClearBreak returns the agent from break to AVAILABLE (or OFFLINE when
// their socket is gone).
func (r *Registry) ClearBreak(userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return fmt.Errorf("unknown agent %d", userID)
	}
	a.BreakReason = ""
	if a.Status == StatusOnBreak {
		if a.Connected {
			a.Status = StatusAvailable
		} else {
			a.Status = StatusOffline
		}
	}
	return nil
}

// ForceStatus is the supervisor override. Returns the state before the
// change so the caller can reconcile the break history.
func (r *Registry) ForceStatus(userID int64, status, breakReason string) (AgentState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return AgentState{}, fmt.Errorf("unknown agent %d", userID)
	}
	prev := *a
	a.Status = status
	a.BreakReason = breakReason
	return prev, nil
}

// TryAssign atomically picks the connected AVAILABLE agent with the fewest
// calls today (ties to first-seen), marks them ON_CALL and attributes the
// contact. Returns a copy of the chosen agent's state.
func (r *Registry) TryAssign(contact ContactRef) (AgentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *AgentState
	for _, a := range r.agents {
		if !a.Connected || a.Status != StatusAvailable {
			continue
		}
		if best == nil ||
			a.TotalCallsToday < best.TotalCallsToday ||
			(a.TotalCallsToday == best.TotalCallsToday && a.seen < best.seen) {
			best = a
		}
	}
	if best == nil {
		return AgentState{}, false
	}

	best.Status = StatusOnCall
	best.ActiveCalls++
	best.TotalCallsToday++
	ref := contact
	best.CurrentContact = &ref
	return *best, true
}

// Rollback undoes a failed assignment, restoring the agent to AVAILABLE.
func (r *Registry) Rollback(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return
	}
	if a.ActiveCalls > 0 {
		a.ActiveCalls--
	}
	if a.TotalCallsToday > 0 {
		a.TotalCallsToday--
	}
	a.CurrentContact = nil
	if a.Status == StatusOnCall {
		a.Status = StatusAvailable
	}
}

// FinishCall transitions the agent out of ON_CALL after their call ends.
func (r *Registry) FinishCall(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[userID]
	if !ok {
		return
	}
	if a.ActiveCalls > 0 {
		a.ActiveCalls--
	}
	a.CurrentContact = nil
	if a.Status != StatusOnCall {
		return
	}
	switch {
	case !a.Connected:
		a.Status = StatusOffline
	case a.BreakReason != "":
		a.Status = StatusOnBreak
	default:
		a.Status = StatusAvailable
	}
}
