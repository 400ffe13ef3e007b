// Package protocol defines the typed JSON envelope exchanged over the
// streaming transport. Envelopes are newline-framed UTF-8 JSON objects with a
// mandatory type field; every envelope except the initial connect carries the
// sender's bearer token.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event types carried in the envelope's type field.
const (
	EventConnect        = "connect"
	EventDisconnect     = "disconnect"
	EventMessage        = "message"
	EventJoinRoom       = "joinRoom"
	EventLeaveRoom      = "leaveRoom"
	EventTyping         = "typing"
	EventStopTyping     = "stopTyping"
	EventUserStatus     = "userStatus"
	EventMessageReceipt = "messageReceipt"
)

// Envelope is the unit of exchange on the streaming transport. Only Type is
// always present; the remaining fields are event-specific and omitted when
// empty.
type Envelope struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Room       string `json:"room,omitempty"`
	Recipient  string `json:"recipient,omitempty"`
	Content    string `json:"content,omitempty"`
	UserStatus string `json:"user_status,omitempty"`
	MessageID  string `json:"messageId,omitempty"`
}

// Decode parses one framed message into an Envelope. It fails on malformed
// JSON and on envelopes without a type.
//
// Parameters:
//   - data: One frame, without the trailing newline
//
// Returns:
//   - The decoded Envelope, or an error if the frame is not a typed envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}

	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}

	return env, nil
}

// Encode marshals an Envelope and appends the newline frame delimiter.
//
// Returns:
//   - The framed bytes ready to write to a connection
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	return append(data, '\n'), nil
}
