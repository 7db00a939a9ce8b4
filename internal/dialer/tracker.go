package dialer

import "sync"

// CallFlags is the per-channel in-memory state of an outbound attempt.
type CallFlags struct {
	ContactID  int64
	CampaignID int64
	Rang       bool
	Up         bool
}

// Tracker is the shared map from live channel id to call flags. It is the
// only mutable structure shared between the executor, the post-call flow and
// the dispatcher, and it is guarded by a single mutex.
type Tracker struct {
	mu        sync.Mutex
	byChannel map[string]*CallFlags
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{byChannel: make(map[string]*CallFlags)}
}

// Register adds a fresh channel for a contact attempt.
func (t *Tracker) Register(channelID string, contactID, campaignID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byChannel[channelID] = &CallFlags{ContactID: contactID, CampaignID: campaignID}
}

// Get returns a copy of the channel's flags.
func (t *Tracker) Get(channelID string) (CallFlags, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flags, ok := t.byChannel[channelID]
	if !ok {
		return CallFlags{}, false
	}
	return *flags, true
}

// SetRang marks the channel as having rung.
func (t *Tracker) SetRang(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if flags, ok := t.byChannel[channelID]; ok {
		flags.Rang = true
	}
}

// SetUp marks the channel as answered. It returns true only on the first
// transition so the answer path runs at most once per channel.
func (t *Tracker) SetUp(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	flags, ok := t.byChannel[channelID]
	if !ok || flags.Up {
		return false
	}
	flags.Up = true
	return true
}

// Remove forgets the channel.
func (t *Tracker) Remove(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byChannel, channelID)
}

// Count returns the number of live tracked channels.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byChannel)
}
