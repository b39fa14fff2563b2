// Package session holds per-connection state and the registry that owns all
// session and room membership maps. The registry is the single ownership
// boundary for shared mutable state: every other component refers to
// sessions by id and looks them up, never holding long-lived references
// across a close.
package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/ring"
)

// State is a session's position in its lifecycle.
type State int32

// Session lifecycle states.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

// String returns the lowercase state name for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// validEdge reports whether the from→to transition is part of the state
// machine: connecting→authenticated→active, plus any→closing→closed.
func validEdge(from, to State) bool {
	switch to {
	case StateAuthenticated:
		return from == StateConnecting
	case StateActive:
		return from == StateAuthenticated
	case StateClosing:
		return from != StateClosing && from != StateClosed
	case StateClosed:
		return from == StateClosing
	}
	return false
}

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   string
	Username string
}

// Session is the server-side state for one connected client. The egress ring
// is created with the session and closed exactly once when the session is
// removed; its writer goroutine is the only consumer.
type Session struct {
	ID       string
	Remote   string
	identity atomic.Pointer[Identity]
	state    atomic.Int32

	egress *ring.Ring[*protocol.Message]

	// reserve parks critical messages that arrive while the egress ring is
	// full. Every producer goes through reserveMu, so ring contents always
	// predate reserve contents and per-session FIFO holds.
	reserveMu  sync.Mutex
	reserve    []*protocol.Message
	reserveCap int

	lastActivity atomic.Int64 // unix nanos
	nextSeq      atomic.Uint64
	lastSeen     atomic.Uint64 // highest inbound sequence observed

	degradedSince atomic.Int64 // unix nanos, 0 when healthy
}

func newSession(id, remote string, egressCapacity int) *Session {
	s := &Session{
		ID:         id,
		Remote:     remote,
		egress:     ring.New[*protocol.Message](egressCapacity),
		reserveCap: egressCapacity,
	}
	s.state.Store(int32(StateConnecting))
	s.Touch()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Identity returns the authenticated identity, or the zero Identity while
// the session is still connecting.
func (s *Session) Identity() Identity {
	if id := s.identity.Load(); id != nil {
		return *id
	}
	return Identity{}
}

// Egress returns the session's outbound dispatch ring.
func (s *Session) Egress() *ring.Ring[*protocol.Message] { return s.egress }

// EnqueueResult classifies where EnqueueEgress placed a message.
type EnqueueResult int

// EnqueueEgress outcomes.
const (
	EnqueueOK       EnqueueResult = iota // published to the egress ring
	EnqueueReserved                      // ring full, critical message parked
	EnqueueShed                          // ring full, message dropped
	EnqueueClosed                        // session is gone
)

// EnqueueEgress places one outbound message for this session. When the
// egress ring is full, critical messages (CHAT, ERROR) are parked in the
// bounded reserve that the writer drains once the ring empties; everything
// else is shed. While the reserve holds messages nothing is published to
// the ring, which keeps ring contents strictly older than reserve contents.
func (s *Session) EnqueueEgress(m *protocol.Message) EnqueueResult {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	if len(s.reserve) == 0 {
		err := s.egress.TryPublish(m)
		if err == nil {
			return EnqueueOK
		}
		if errors.Is(err, ring.ErrClosed) {
			return EnqueueClosed
		}
	}
	if s.egress.Closed() {
		return EnqueueClosed
	}
	if !m.Type.Critical() || len(s.reserve) >= s.reserveCap {
		return EnqueueShed
	}
	s.reserve = append(s.reserve, m)
	return EnqueueReserved
}

// TakeReserve hands the parked critical messages to the writer. It returns
// nil while the ring still holds anything, since that traffic is older than
// the reserve; the emptiness check and the hand-off share the producer lock
// so no publish can slip between them.
func (s *Session) TakeReserve() []*protocol.Message {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	if s.egress.Len() > 0 {
		return nil
	}
	out := s.reserve
	s.reserve = nil
	return out
}

// ReserveLen reports how many critical messages are parked.
func (s *Session) ReserveLen() int {
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	return len(s.reserve)
}

// Touch records read activity for the idle-timeout check.
func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// IdleSince returns how long ago the session last showed read activity.
func (s *Session) IdleSince() time.Duration {
	return time.Duration(time.Now().UnixNano() - s.lastActivity.Load())
}

// NextSequence issues the next server-assigned sequence number for messages
// originated on behalf of this session.
func (s *Session) NextSequence() uint64 { return s.nextSeq.Add(1) }

// ObserveSequence records the highest inbound sequence seen from the client.
// Regressions are kept visible for the per-sender ordering checks.
func (s *Session) ObserveSequence(seq uint64) {
	for {
		cur := s.lastSeen.Load()
		if seq <= cur || s.lastSeen.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// LastSeenSequence returns the highest inbound sequence observed.
func (s *Session) LastSeenSequence() uint64 { return s.lastSeen.Load() }

// MarkDegraded records the start of a slow-consumer episode. It keeps the
// earliest mark of the current episode and returns how long the session has
// been degraded.
func (s *Session) MarkDegraded() time.Duration {
	now := time.Now().UnixNano()
	if s.degradedSince.CompareAndSwap(0, now) {
		return 0
	}
	return time.Duration(now - s.degradedSince.Load())
}

// ClearDegraded ends the current slow-consumer episode.
func (s *Session) ClearDegraded() { s.degradedSince.Store(0) }

// Degraded reports whether the session is in a slow-consumer episode.
func (s *Session) Degraded() bool { return s.degradedSince.Load() != 0 }

// Registry errors.
var (
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid state transition")
)
