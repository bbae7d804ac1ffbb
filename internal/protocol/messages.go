// Package protocol defines the WebSocket message types and structures used
// for communication between the client and server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/campuslink/chat-core/internal/conversation"
	"github.com/campuslink/chat-core/internal/profile"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeOpenConversation  = "open_conversation"
	TypeCloseConversation = "close_conversation"
	TypeLoadMore          = "load_more"
	TypeSendMessage       = "send_message"
	TypeMarkRead          = "mark_read"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected  = "connected"
	TypeState      = "state"
	TypeSendFailed = "send_failed"
	TypeAuthors    = "authors"
	TypeError      = "error"
	TypePong       = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// OpenConversationMsg opens a conversation view. Exactly one of Room or
// DMWith must be set: Room names a category id, DMWith names the peer of a
// direct thread with the connected user.
type OpenConversationMsg struct {
	Type   string `json:"type"`
	Room   string `json:"room,omitempty"`
	DMWith string `json:"dm_with,omitempty"`
}

// CloseConversationMsg closes a previously opened conversation.
type CloseConversationMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

// LoadMoreMsg requests the next page of older history for an open
// conversation.
type LoadMoreMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

// SendMessageMsg submits a text message to an open conversation.
type SendMessageMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
	Text  string `json:"text"`
}

// MarkReadMsg marks a direct thread read for the connected user.
type MarkReadMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the WebSocket is established. It confirms
// the authenticated user and exposes the canonical room catalogue (static
// configuration, not a runtime decision of the messaging core).
type ConnectedMsg struct {
	Type   string   `json:"type"`
	UserID string   `json:"user_id"`
	Rooms  []string `json:"rooms"`
}

// StateMsg carries a conversation's full reactive snapshot: ordered visible
// items, pending/hasMoreHistory flags, canWrite, and connection status. The
// server pushes one on every state change.
type StateMsg struct {
	Type     string                `json:"type"`
	Snapshot conversation.Snapshot `json:"snapshot"`
}

// SendFailedMsg reports a denied or errored send. Retryable marks transient
// store failures the user may retry; denials carry the user-facing reason.
// RetryAfterSeconds is set on rate-limit denials to hint when the window
// reopens. The compose text is restored via the accompanying StateMsg.
type SendFailedMsg struct {
	Type              string `json:"type"`
	Scope             string `json:"scope"`
	Reason            string `json:"reason"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// AuthorsMsg carries display metadata for the authors visible in a
// conversation, resolved through the profile cache.
type AuthorsMsg struct {
	Type     string                     `json:"type"`
	Scope    string                     `json:"scope"`
	Profiles map[string]profile.Summary `json:"profiles"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCloseConversation:
		var m CloseConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadMore:
		var m LoadMoreMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal final message: %w", err)
	}
	return out, nil
}
