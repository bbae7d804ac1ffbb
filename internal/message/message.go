// Package message provides the append-only message log: the Message model,
// conversation scopes, the PostgreSQL store with cursor pagination, and the
// expiry sweep for ephemeral room messages.
package message

import (
	"errors"
	"time"
)

// RoomTTL is how long a room message lives before the sweeper may delete it.
// Direct messages have no expiry and are never swept.
const RoomTTL = 24 * time.Hour

var (
	// ErrEmptyBody is returned when a message body is empty or whitespace-only.
	ErrEmptyBody = errors.New("message: empty body")

	// ErrStoreUnavailable wraps transient backend failures. Callers may retry
	// reads automatically; sends are retried only on user request.
	ErrStoreUnavailable = errors.New("message: store unavailable")
)

// Message is a single chat message. Once confirmed by the store it is
// immutable except for the read flag on direct messages.
type Message struct {
	ID        string     `json:"id"` // ULID, assigned by the store
	Scope     Scope      `json:"scope"`
	AuthorID  string     `json:"author_id"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // room messages only
	Read      bool       `json:"read,omitempty"`       // direct messages only
}

// Less reports whether m sorts before other in the conversation's total
// order: creation time first, id as tiebreaker.
func (m *Message) Less(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
