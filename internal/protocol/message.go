// Package protocol defines the message model exchanged between ChatFlow
// clients and the server, together with payload validation and the versioned
// body serialization shared by every transport.
package protocol

import "time"

// MessageType identifies the kind of message carried by a frame.
type MessageType string

// Message types understood by the pipeline.
const (
	TypeJoin     MessageType = "JOIN"
	TypeLeave    MessageType = "LEAVE"
	TypeChat     MessageType = "CHAT"
	TypePresence MessageType = "PRESENCE"
	TypeAck      MessageType = "ACK"
	TypeError    MessageType = "ERROR"
	TypePing     MessageType = "PING"
	TypePong     MessageType = "PONG"
)

// Valid reports whether t is one of the defined message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeChat, TypePresence, TypeAck, TypeError, TypePing, TypePong:
		return true
	}
	return false
}

// Critical reports whether messages of this type must never be shed by the
// slow-consumer policy. CHAT carries user data and ERROR carries protocol
// feedback; everything else is advisory and may be dropped under pressure.
func (t MessageType) Critical() bool {
	return t == TypeChat || t == TypeError
}

// ScopeKind selects how a message's recipients are resolved.
type ScopeKind string

// Scope kinds.
const (
	ScopeDirect    ScopeKind = "direct"
	ScopeRoom      ScopeKind = "room"
	ScopeBroadcast ScopeKind = "broadcast"
)

// Scope addresses a message to a single peer, a room, or every active
// session.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	PeerID string    `json:"peerId,omitempty"`
	RoomID string    `json:"roomId,omitempty"`
}

// DirectTo returns a scope addressing a single session.
func DirectTo(peerID string) Scope { return Scope{Kind: ScopeDirect, PeerID: peerID} }

// RoomScope returns a scope addressing all members of a room.
func RoomScope(roomID string) Scope { return Scope{Kind: ScopeRoom, RoomID: roomID} }

// BroadcastScope returns a scope addressing every active session.
func BroadcastScope() Scope { return Scope{Kind: ScopeBroadcast} }

// ServerSender is the sender id stamped on messages originated by the server
// itself (errors, presence, acks, pongs).
const ServerSender = "server"

// Message is the immutable unit of communication. Once constructed it is
// never mutated; the same value may be shared across every egress queue it
// fans out to.
type Message struct {
	Type      MessageType `json:"type"`
	SenderID  string      `json:"senderId"`
	Scope     Scope       `json:"scope"`
	Payload   []byte      `json:"payload,omitempty"`
	Sequence  uint64      `json:"seq"`
	Timestamp int64       `json:"ts"`
	// Ack requests that the sender receive its own copy of a room or
	// broadcast message regardless of the server's echo default.
	Ack bool `json:"ack,omitempty"`
}

// Now returns the current time in the wire timestamp encoding (Unix
// milliseconds, UTC).
func Now() int64 {
	return time.Now().UnixMilli()
}
