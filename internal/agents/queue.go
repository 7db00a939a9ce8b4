package agents

import (
	"sync"
	"time"
)

// QueueEntry is one caller waiting for an agent.
type QueueEntry struct {
	ContactID  int64     `json:"contactId"`
	CampaignID int64     `json:"campaignId"`
	OwnerID    int64     `json:"ownerId"`
	Phone      string    `json:"phone"`
	ChannelID  string    `json:"-"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Position   int       `json:"position"`
}

// WaitQueue is the FIFO of callers waiting for an agent. Positions are kept
// contiguous from 1 after every mutation.
type WaitQueue struct {
	mu      sync.Mutex
	entries []*QueueEntry
}

// NewWaitQueue creates an empty queue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{}
}

// Enqueue appends the caller and returns its 1-based position. A contact
// already queued keeps its place.
func (q *WaitQueue) Enqueue(entry QueueEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ContactID == entry.ContactID {
			return e.Position
		}
	}
	entry.EnqueuedAt = time.Now()
	q.entries = append(q.entries, &entry)
	q.renumber()
	return entry.Position
}

// PushFront returns a caller to the head of the queue, preserving its
// original enqueue time so the wait timeout keeps counting.
func (q *WaitQueue) PushFront(entry QueueEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	q.entries = append([]*QueueEntry{&entry}, q.entries...)
	q.renumber()
}

// Remove drops the contact from the queue and recomputes positions.
func (q *WaitQueue) Remove(contactID int64) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ContactID == contactID {
			removed := *e
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.renumber()
			return removed, true
		}
	}
	return QueueEntry{}, false
}

// RemoveByChannel drops the entry holding the channel, if any.
func (q *WaitQueue) RemoveByChannel(channelID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ChannelID == channelID {
			removed := *e
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.renumber()
			return removed, true
		}
	}
	return QueueEntry{}, false
}

// PopHead removes and returns the first entry. The caller owns the entry
// until it is bridged or pushed back.
func (q *WaitQueue) PopHead() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	head := *q.entries[0]
	q.entries = q.entries[1:]
	q.renumber()
	return head, true
}

// Head returns a copy of the first entry without removing it.
func (q *WaitQueue) Head() (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	return *q.entries[0], true
}

// PopExpired removes and returns every entry that has waited longer than
// the timeout.
func (q *WaitQueue) PopExpired(timeout time.Duration) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-timeout)
	var expired []QueueEntry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.EnqueuedAt.Before(cutoff) {
			expired = append(expired, *e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.renumber()
	return expired
}

// Len returns the number of waiting callers.
func (q *WaitQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns copies of every entry in queue order.
func (q *WaitQueue) Snapshot() []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

// renumber restores contiguous 1-based positions. Caller holds the lock.
func (q *WaitQueue) renumber() {
	for i, e := range q.entries {
		e.Position = i + 1
	}
}
