package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-dev/chatflow/internal/protocol"
)

func newTestRegistry() *Registry {
	return NewRegistry(8, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("10.0.0.1:40001")

	require.NotEmpty(t, s.ID)
	assert.Equal(t, "10.0.0.1:40001", s.Remote)
	assert.Equal(t, StateConnecting, s.State())
	assert.Equal(t, 1, r.Len())

	got, err := r.Lookup(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = r.Lookup("no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("remote")

	require.NoError(t, r.Transition(s.ID, StateAuthenticated))
	require.NoError(t, r.Transition(s.ID, StateActive))
	require.NoError(t, r.Transition(s.ID, StateClosing))
	require.NoError(t, r.Transition(s.ID, StateClosed))
	assert.Equal(t, StateClosed, s.State())
}

func TestInvalidTransitionsAreNoOps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from State
		to   State
	}{
		{"skip authentication", StateConnecting, StateActive},
		{"close before closing", StateConnecting, StateClosed},
		{"reauthenticate", StateActive, StateAuthenticated},
		{"closing twice", StateClosing, StateClosing},
		{"reopen closed", StateClosed, StateActive},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRegistry()
			s := r.Register("remote")
			s.state.Store(int32(tc.from))

			err := r.Transition(s.ID, tc.to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tc.from, s.State(), "failed transition must not change state")
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("remote")

	identity := Identity{UserID: "42", Username: "alice"}
	require.NoError(t, r.Authenticate(s.ID, identity))
	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, identity, s.Identity())

	// A second handshake on an already active session is an invalid edge.
	assert.ErrorIs(t, r.Authenticate(s.ID, identity), ErrInvalidTransition)
}

func TestJoinRoomIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := r.Register("a")
	b := r.Register("b")

	members, err := r.JoinRoom(a.ID, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID}, members)

	members, err = r.JoinRoom(b.ID, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, members)

	// Joining again changes nothing.
	members, err = r.JoinRoom(a.ID, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, members)

	_, err = r.JoinRoom("no-such-session", "general")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeaveRoomDestroysEmptyRoom(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := r.Register("a")
	b := r.Register("b")
	_, err := r.JoinRoom(a.ID, "general")
	require.NoError(t, err)
	_, err = r.JoinRoom(b.ID, "general")
	require.NoError(t, err)

	members, err := r.LeaveRoom(a.ID, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID}, members)

	// Leaving a room the session is not in is a no-op.
	members, err = r.LeaveRoom(a.ID, "general")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{b.ID}, members)

	// The last member out destroys the room.
	members, err = r.LeaveRoom(b.ID, "general")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Empty(t, r.RoomMembers("general"))

	// Leaving a room that does not exist is a no-op.
	_, err = r.LeaveRoom(a.ID, "nowhere")
	assert.NoError(t, err)
}

func TestRemovePurgesAllRooms(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := r.Register("a")
	b := r.Register("b")
	for _, room := range []string{"general", "dev", "random"} {
		_, err := r.JoinRoom(a.ID, room)
		require.NoError(t, err)
	}
	_, err := r.JoinRoom(b.ID, "general")
	require.NoError(t, err)

	left := r.Remove(a.ID)
	assert.ElementsMatch(t, []string{"general", "dev", "random"}, left)

	// No orphan membership anywhere.
	for _, room := range []string{"general", "dev", "random"} {
		assert.NotContains(t, r.RoomMembers(room), a.ID)
	}
	assert.ElementsMatch(t, []string{b.ID}, r.RoomMembers("general"))
	assert.Empty(t, r.Rooms(a.ID))

	_, err = r.Lookup(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StateClosed, a.State())
	assert.True(t, a.Egress().Closed(), "removal closes the egress ring")

	// Double remove is a guarded no-op.
	assert.Nil(t, r.Remove(a.ID))
}

func TestActiveSessionsSnapshot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	a := r.Register("a")
	b := r.Register("b")
	r.Register("c") // stays connecting

	require.NoError(t, r.Authenticate(a.ID, Identity{UserID: "1", Username: "alice"}))
	require.NoError(t, r.Authenticate(b.ID, Identity{UserID: "2", Username: "bobby"}))

	active := r.ActiveSessions()
	ids := make([]string, 0, len(active))
	for _, s := range active {
		ids = append(ids, s.ID)
	}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
	assert.Equal(t, 3, r.Len())
	assert.Len(t, r.Sessions(), 3)
}

func TestObserveSequenceMonotonic(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("remote")

	s.ObserveSequence(5)
	s.ObserveSequence(3) // regression, ignored
	s.ObserveSequence(9)
	assert.Equal(t, uint64(9), s.LastSeenSequence())

	assert.Equal(t, uint64(1), s.NextSequence())
	assert.Equal(t, uint64(2), s.NextSequence())
}

func TestDegradedEpisode(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("remote")

	assert.False(t, s.Degraded())
	assert.Zero(t, s.MarkDegraded(), "first mark starts the episode")
	assert.True(t, s.Degraded())
	assert.GreaterOrEqual(t, s.MarkDegraded(), time.Duration(0))

	s.ClearDegraded()
	assert.False(t, s.Degraded())
}

func TestEgressReserveParksCritical(t *testing.T) {
	t.Parallel()

	r := NewRegistry(2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := r.Register("remote")
	rd := s.Egress().Subscribe()

	presence := protocol.NewPresence("general", protocol.PresenceBody{RoomID: "general", Event: protocol.PresenceJoined})
	chat := &protocol.Message{Type: protocol.TypeChat, Scope: protocol.DirectTo(s.ID), Payload: []byte("hi")}

	require.Equal(t, EnqueueOK, s.EnqueueEgress(presence))
	require.Equal(t, EnqueueOK, s.EnqueueEgress(presence))

	// Ring full: critical messages park, everything else is shed.
	assert.Equal(t, EnqueueReserved, s.EnqueueEgress(chat))
	assert.Equal(t, EnqueueShed, s.EnqueueEgress(presence))
	assert.Equal(t, EnqueueReserved, s.EnqueueEgress(chat))
	assert.Equal(t, EnqueueShed, s.EnqueueEgress(chat), "reserve is bounded")
	assert.Equal(t, 2, s.ReserveLen())

	// Parked messages stay put until the older ring traffic is drained.
	assert.Nil(t, s.TakeReserve())
	for i := 0; i < 2; i++ {
		m, ok, err := rd.TryNext()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, protocol.TypePresence, m.Type)
	}
	parked := s.TakeReserve()
	require.Len(t, parked, 2)
	for _, m := range parked {
		assert.Equal(t, protocol.TypeChat, m.Type)
	}
	assert.Equal(t, 0, s.ReserveLen())

	// With the reserve drained the ring takes traffic again.
	assert.Equal(t, EnqueueOK, s.EnqueueEgress(presence))
}

func TestEnqueueEgressAfterRemove(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s := r.Register("remote")
	r.Remove(s.ID)

	chat := &protocol.Message{Type: protocol.TypeChat, Scope: protocol.DirectTo(s.ID), Payload: []byte("hi")}
	assert.Equal(t, EnqueueClosed, s.EnqueueEgress(chat))
	assert.Equal(t, 0, s.ReserveLen())
}
