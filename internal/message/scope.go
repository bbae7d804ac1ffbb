package message

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Scope identifies the conversation a message belongs to: a shared room or a
// direct thread between exactly two participants. The zero value is invalid.
type Scope struct {
	kind string // "room" or "dm"
	a, b string // room: a = room id, b unused; dm: sorted participant pair
}

const (
	kindRoom = "room"
	kindDM   = "dm"
)

// RoomScope returns the scope for a shared room keyed by its category id.
func RoomScope(roomID string) Scope {
	return Scope{kind: kindRoom, a: roomID}
}

// DMScope returns the scope for the direct thread between two users. The pair
// is unordered: DMScope(x, y) and DMScope(y, x) are the same scope.
func DMScope(userA, userB string) Scope {
	if userA > userB {
		userA, userB = userB, userA
	}
	return Scope{kind: kindDM, a: userA, b: userB}
}

// IsRoom reports whether the scope is a shared room.
func (s Scope) IsRoom() bool { return s.kind == kindRoom }

// IsDM reports whether the scope is a direct thread.
func (s Scope) IsDM() bool { return s.kind == kindDM }

// RoomID returns the room category id, or "" for a direct thread.
func (s Scope) RoomID() string {
	if s.kind != kindRoom {
		return ""
	}
	return s.a
}

// Participants returns the direct thread's participant pair in sorted order.
// Both values are empty for a room scope.
func (s Scope) Participants() (string, string) {
	if s.kind != kindDM {
		return "", ""
	}
	return s.a, s.b
}

// HasParticipant reports whether userID is a participant of a direct thread.
// Always false for a room scope (rooms have no membership).
func (s Scope) HasParticipant(userID string) bool {
	return s.kind == kindDM && (s.a == userID || s.b == userID)
}

// Key returns the canonical storage key for the scope, e.g. "room:developer"
// or "dm:u1|u2". Messages are keyed by (scope key, created_at, id).
func (s Scope) Key() string {
	if s.kind == kindDM {
		return kindDM + ":" + s.a + "|" + s.b
	}
	return kindRoom + ":" + s.a
}

// Subject returns the NATS subject for live fan-out of this scope.
func (s Scope) Subject() string {
	if s.kind == kindDM {
		return "conv.dm." + s.a + "." + s.b
	}
	return "conv.room." + s.a
}

// IsZero reports whether the scope is the invalid zero value.
func (s Scope) IsZero() bool { return s.kind == "" }

func (s Scope) String() string { return s.Key() }

// ParseScopeKey parses a canonical scope key produced by Key.
func ParseScopeKey(key string) (Scope, error) {
	kind, rest, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("message: malformed scope key %q", key)
	}
	switch kind {
	case kindRoom:
		if rest == "" {
			return Scope{}, fmt.Errorf("message: empty room id in scope key %q", key)
		}
		return RoomScope(rest), nil
	case kindDM:
		a, b, ok := strings.Cut(rest, "|")
		if !ok || a == "" || b == "" {
			return Scope{}, fmt.Errorf("message: malformed dm scope key %q", key)
		}
		return DMScope(a, b), nil
	default:
		return Scope{}, fmt.Errorf("message: unknown scope kind in key %q", key)
	}
}

// MarshalJSON encodes the scope as its canonical key.
func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Key())
}

// UnmarshalJSON decodes a scope from its canonical key.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("message: scope must be a string: %w", err)
	}
	parsed, err := ParseScopeKey(key)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
