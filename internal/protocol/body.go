// Package protocol implements the versioned body serialization shared by
// the framed TCP codec and the WebSocket gateway.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the magic byte prefixed to every frame body. Peers speaking a
// different version are rejected with an ERROR frame and a connection close.
const Version byte = 0x01

// Body serialization errors.
var (
	ErrBadVersion  = errors.New("protocol: unsupported body version")
	ErrEmptyBody   = errors.New("protocol: empty body")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// MarshalBody serializes m into a frame body: the version byte followed by
// the JSON encoding of the message.
func MarshalBody(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal body: %w", err)
	}
	body := make([]byte, 0, len(data)+1)
	body = append(body, Version)
	body = append(body, data...)
	return body, nil
}

// UnmarshalBody parses a frame body produced by MarshalBody. It rejects
// bodies with a foreign version byte before attempting to parse the JSON.
func UnmarshalBody(body []byte) (*Message, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	if body[0] != Version {
		return nil, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrBadVersion, body[0], Version)
	}
	var m Message
	if err := json.Unmarshal(body[1:], &m); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal body: %w", err)
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return &m, nil
}

// ErrorCode classifies ERROR message payloads.
type ErrorCode string

// Error codes carried in ERROR payloads.
const (
	CodeBadFrame     ErrorCode = "bad_frame"
	CodeBadVersion   ErrorCode = "bad_version"
	CodeInvalid      ErrorCode = "invalid_message"
	CodeAuthFailed   ErrorCode = "auth_failed"
	CodeNotJoined    ErrorCode = "not_joined"
	CodeUnknownPeer  ErrorCode = "unknown_peer"
	CodeRateLimited  ErrorCode = "rate_limited"
	CodeSlowConsumer ErrorCode = "slow_consumer"
)

// ErrorBody is the payload of an ERROR message.
type ErrorBody struct {
	Code   ErrorCode `json:"code"`
	Reason string    `json:"reason"`
}

// NewError builds a server-originated ERROR message addressed directly to
// the session identified by target.
func NewError(target string, code ErrorCode, reason string) *Message {
	payload, _ := json.Marshal(ErrorBody{Code: code, Reason: reason})
	return &Message{
		Type:      TypeError,
		SenderID:  ServerSender,
		Scope:     DirectTo(target),
		Payload:   payload,
		Timestamp: Now(),
	}
}

// PresenceEvent describes a membership change announced to a room.
type PresenceEvent string

// Presence events.
const (
	PresenceJoined PresenceEvent = "joined"
	PresenceLeft   PresenceEvent = "left"
)

// PresenceBody is the payload of a PRESENCE message.
type PresenceBody struct {
	RoomID    string        `json:"roomId"`
	SessionID string        `json:"sessionId"`
	Username  string        `json:"username,omitempty"`
	Event     PresenceEvent `json:"event"`
	Members   int           `json:"members"`
}

// NewPresence builds a server-originated PRESENCE message for a room.
func NewPresence(roomID string, body PresenceBody) *Message {
	payload, _ := json.Marshal(body)
	return &Message{
		Type:      TypePresence,
		SenderID:  ServerSender,
		Scope:     RoomScope(roomID),
		Payload:   payload,
		Timestamp: Now(),
	}
}

// NewAck builds a server-originated ACK for the given sender and sequence.
func NewAck(target string, seq uint64) *Message {
	payload, _ := json.Marshal(struct {
		Seq uint64 `json:"seq"`
	}{Seq: seq})
	return &Message{
		Type:      TypeAck,
		SenderID:  ServerSender,
		Scope:     DirectTo(target),
		Payload:   payload,
		Timestamp: Now(),
	}
}

// NewPong builds the reply to a PING from target.
func NewPong(target string) *Message {
	return &Message{
		Type:      TypePong,
		SenderID:  ServerSender,
		Scope:     DirectTo(target),
		Timestamp: Now(),
	}
}
