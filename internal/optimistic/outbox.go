// Package optimistic tracks outgoing messages between submit and server
// confirmation. A submitted message renders immediately under a temporary
// local id and is later reconciled against the confirmed record — or removed
// on failure with the compose text restored.
package optimistic

import (
	"sync"
	"time"
)

// State is the lifecycle position of an outgoing message.
type State string

const (
	StateComposing State = "composing" // local only, no network
	StatePending   State = "pending"   // submitted, awaiting verdict + append
	StateConfirmed State = "confirmed" // replaced by the server record
	StateFailed    State = "failed"    // denied or errored, rolled back
)

// EchoWindow is the coarse time window used to recognise the sender's own
// message coming back through fan-out. Temporary ids never match server ids,
// so reconciliation keys on author + body + submission time instead.
const EchoWindow = 2 * time.Minute

// Entry is one in-flight outgoing message.
type Entry struct {
	LocalID     int64 // negative, so it can never collide with a server id
	AuthorID    string
	Body        string
	SubmittedAt time.Time
	State       State
}

// Outbox holds the pending entries for one conversation. All methods are
// safe for concurrent use.
type Outbox struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*Entry
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{pending: make(map[int64]*Entry)}
}

// Submit registers a new pending entry for the given author and body and
// returns a copy. The entry is visible to Pending and MatchEcho until it is
// confirmed or failed.
func (o *Outbox) Submit(authorID, body string) Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID--
	e := &Entry{
		LocalID:     o.nextID,
		AuthorID:    authorID,
		Body:        body,
		SubmittedAt: time.Now(),
		State:       StatePending,
	}
	o.pending[e.LocalID] = e
	return *e
}

// Confirm removes the entry: the server record replaces it in the visible
// list. Returns false if the entry was already resolved (e.g. the fan-out
// echo arrived before the append call returned).
func (o *Outbox) Confirm(localID int64) (Entry, bool) {
	return o.resolve(localID, StateConfirmed)
}

// Fail removes the entry after a denied or errored send. The returned
// entry's Body is what the caller restores into the compose box.
func (o *Outbox) Fail(localID int64) (Entry, bool) {
	return o.resolve(localID, StateFailed)
}

func (o *Outbox) resolve(localID int64, state State) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.pending[localID]
	if !ok {
		return Entry{}, false
	}
	delete(o.pending, localID)
	e.State = state
	return *e, true
}

// MatchEcho reports whether a message arriving through fan-out is the echo
// of a pending entry: same author, identical body, created within EchoWindow
// of submission. On a match the entry is confirmed and returned so the
// caller can swap the temporary row for the server record instead of
// rendering a duplicate.
func (o *Outbox) MatchEcho(authorID, body string, createdAt time.Time) (Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, e := range o.pending {
		if e.AuthorID != authorID || e.Body != body {
			continue
		}
		delta := createdAt.Sub(e.SubmittedAt)
		if delta < -EchoWindow || delta > EchoWindow {
			continue
		}
		delete(o.pending, id)
		e.State = StateConfirmed
		return *e, true
	}
	return Entry{}, false
}

// Pending returns the in-flight entries, oldest submission first. These are
// the rows rendered after the confirmed history.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Entry, 0, len(o.pending))
	for _, e := range o.pending {
		out = append(out, *e)
	}
	// LocalIDs decrease monotonically, so higher means older.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LocalID > out[j-1].LocalID; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// HasPending reports whether any entry is still awaiting resolution. The UI
// uses this to disable the submit control rather than dropping input.
func (o *Outbox) HasPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) > 0
}
