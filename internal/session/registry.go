// Package session implements the registry owning the session and room maps.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry is the source of truth for who is connected and who is in which
// room. All mutations happen under one lock so a concurrent Remove can never
// observe a session half removed: present in the session map but stale in a
// room, or the reverse.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{}

	egressCapacity int
	logger         *slog.Logger
}

// NewRegistry returns an empty registry. Sessions it registers get egress
// rings of egressCapacity slots.
func NewRegistry(egressCapacity int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:       make(map[string]*Session),
		rooms:          make(map[string]map[string]struct{}),
		egressCapacity: egressCapacity,
		logger:         logger,
	}
}

// Register inserts a new session in the connecting state and returns it.
// It never blocks beyond the map insert.
func (r *Registry) Register(remote string) *Session {
	s := newSession(uuid.NewString(), remote, r.egressCapacity)
	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()
	r.logger.Info("session registered", "sessionId", s.ID, "remote", remote, "sessions", count)
	return s
}

// Lookup returns the session for id, or ErrNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// Transition moves the session along the lifecycle state machine. Invalid
// edges fail with ErrInvalidTransition and are logged as defects, never
// fatal: the operation is a no-op and the server keeps serving.
func (r *Registry) Transition(id string, to State) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	for {
		from := s.State()
		if !validEdge(from, to) {
			r.logger.Warn("invalid session state transition",
				"sessionId", id, "from", from.String(), "to", to.String())
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// Authenticate stores the identity and moves connecting→authenticated→active.
func (r *Registry) Authenticate(id string, identity Identity) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	if err := r.Transition(id, StateAuthenticated); err != nil {
		return err
	}
	s.identity.Store(&identity)
	return r.Transition(id, StateActive)
}

// JoinRoom adds the session to a room, creating the room on first join. It
// is idempotent and returns the membership after the join, not including any
// ordering guarantee across rooms.
func (r *Registry) JoinRoom(id, roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[roomID] = room
	}
	room[id] = struct{}{}
	return memberIDs(room), nil
}

// LeaveRoom removes the session from a room. Idempotent: leaving a room the
// session is not in, or that does not exist, is a no-op. A room emptied by
// the leave is destroyed immediately; JOIN recreates it on demand.
func (r *Registry) LeaveRoom(id, roomID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, nil
	}
	delete(room, id)
	if len(room) == 0 {
		delete(r.rooms, roomID)
		return nil, nil
	}
	return memberIDs(room), nil
}

// RoomMembers returns the current member session ids of a room.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return memberIDs(r.rooms[roomID])
}

// Rooms returns the session's current room memberships.
func (r *Registry) Rooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for roomID, room := range r.rooms {
		if _, ok := room[id]; ok {
			out = append(out, roomID)
		}
	}
	return out
}

// ActiveSessions returns a snapshot of every session in the active state.
func (r *Registry) ActiveSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() == StateActive {
			out = append(out, s)
		}
	}
	return out
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove atomically deregisters the session and purges it from every room,
// returning the rooms it belonged to so callers can announce the departure.
// Subsequent lookups return ErrNotFound. Removing an unknown id is a logged
// no-op (the close path can race itself; double-remove is a guarded defect,
// not a crash).
func (r *Registry) Remove(id string) []string {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("remove of unknown session", "sessionId", id)
		return nil
	}
	delete(r.sessions, id)
	var left []string
	for roomID, room := range r.rooms {
		if _, member := room[id]; member {
			delete(room, id)
			left = append(left, roomID)
			if len(room) == 0 {
				delete(r.rooms, roomID)
			}
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	s.state.Store(int32(StateClosed))
	s.egress.Close()
	r.logger.Info("session removed", "sessionId", id, "rooms", len(left), "sessions", count)
	return left
}

func memberIDs(room map[string]struct{}) []string {
	if len(room) == 0 {
		return nil
	}
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	return out
}

// Authenticator validates handshake credentials and yields the identity
// bound to the session. Authentication policy itself is delegated to the
// embedding application.
type Authenticator func(userID, username string) (Identity, error)
