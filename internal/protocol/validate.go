// Package protocol enforces the payload rules of the ChatFlow wire
// contract: numeric user ids in a fixed range, short alphanumeric usernames,
// and bounded chat text.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Validation bounds.
const (
	MinUserID      = 1
	MaxUserID      = 100000
	MinUsernameLen = 3
	MaxUsernameLen = 20
	MaxChatLen     = 500
)

// ErrValidation marks all payload validation failures.
var ErrValidation = errors.New("protocol: validation failed")

// Credentials is the payload of the initial JOIN handshake.
type Credentials struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// ParseCredentials decodes and validates a JOIN handshake payload.
func ParseCredentials(payload []byte) (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: credentials must be a JSON object: %v", ErrValidation, err)
	}
	if err := ValidateCredentials(creds); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// ValidateCredentials checks the user id and username rules.
func ValidateCredentials(creds Credentials) error {
	if creds.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrValidation)
	}
	id, err := strconv.Atoi(creds.UserID)
	if err != nil {
		return fmt.Errorf("%w: userId must be a valid number", ErrValidation)
	}
	if id < MinUserID || id > MaxUserID {
		return fmt.Errorf("%w: userId must be between %d and %d", ErrValidation, MinUserID, MaxUserID)
	}
	return validateUsername(creds.Username)
}

func validateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameLen || n > MaxUsernameLen {
		return fmt.Errorf("%w: username must be %d-%d characters", ErrValidation, MinUsernameLen, MaxUsernameLen)
	}
	for _, r := range username {
		if !isAlphanumeric(r) {
			return fmt.Errorf("%w: username must be alphanumeric", ErrValidation)
		}
	}
	return nil
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// ValidateChat checks the bounds on a CHAT message payload.
func ValidateChat(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: message is required", ErrValidation)
	}
	if n := utf8.RuneCount(payload); n > MaxChatLen {
		return fmt.Errorf("%w: message must be 1-%d characters", ErrValidation, MaxChatLen)
	}
	return nil
}

// ValidateInbound applies the common checks every client-originated message
// must pass before it enters the dispatch pipeline.
func ValidateInbound(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: message cannot be nil", ErrValidation)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: messageType must be one of JOIN, LEAVE, CHAT, PING", ErrValidation)
	}
	switch m.Type {
	case TypeChat:
		if err := ValidateChat(m.Payload); err != nil {
			return err
		}
	case TypePresence, TypeAck, TypeError, TypePong:
		// Server-originated types are not accepted from clients.
		return fmt.Errorf("%w: %s is not a client message type", ErrValidation, m.Type)
	}
	switch m.Scope.Kind {
	case ScopeDirect:
		if m.Type != TypeChat {
			return fmt.Errorf("%w: direct scope only applies to CHAT", ErrValidation)
		}
		if m.Scope.PeerID == "" {
			return fmt.Errorf("%w: direct scope requires peerId", ErrValidation)
		}
	case ScopeRoom:
		if m.Scope.RoomID == "" {
			return fmt.Errorf("%w: room scope requires roomId", ErrValidation)
		}
	case ScopeBroadcast:
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrValidation, m.Scope.Kind)
	}
	return nil
}
