// Package router implements per-type message handling: handshake, room
// membership, chat fan-out, and liveness replies.
package router

import (
	"errors"

	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/session"
)

// process routes one inbound event. Targets are resolved exactly once per
// event, so a single call produces at most one copy per recipient.
func (e *Engine) process(ev Inbound) {
	sender, err := e.registry.Lookup(ev.SessionID)
	if err != nil {
		// Session closed while the event sat in the ring.
		return
	}
	m := ev.Msg
	sender.Touch()
	sender.ObserveSequence(m.Sequence)

	if err := protocol.ValidateInbound(m); err != nil {
		e.sendError(ev.SessionID, protocol.CodeInvalid, err.Error())
		return
	}

	if sender.State() == session.StateConnecting {
		if m.Type != protocol.TypeJoin {
			e.sendError(ev.SessionID, protocol.CodeNotJoined, "must JOIN before sending messages")
			return
		}
		e.handshake(sender, m)
		return
	}

	switch m.Type {
	case protocol.TypeJoin:
		e.joinRoom(sender, m)
	case protocol.TypeLeave:
		e.leave(sender, m)
	case protocol.TypeChat:
		e.chat(sender, m)
	case protocol.TypePing:
		e.deliver(sender, protocol.NewPong(sender.ID))
		e.sink.MessageRouted(string(protocol.TypePing), 1)
	default:
		e.sendError(sender.ID, protocol.CodeInvalid, "unexpected message type "+string(m.Type))
	}
}

// handshake authenticates a connecting session from its first JOIN. The JOIN
// payload carries the credentials and the scope names the initial room.
func (e *Engine) handshake(sender *session.Session, m *protocol.Message) {
	creds, err := protocol.ParseCredentials(m.Payload)
	if err != nil {
		e.sendError(sender.ID, protocol.CodeInvalid, err.Error())
		e.disconnect(sender.ID, "handshake_invalid")
		return
	}
	identity, err := e.auth(creds.UserID, creds.Username)
	if err != nil {
		e.logger.Info("authentication rejected", "sessionId", sender.ID, "userId", creds.UserID, "error", err)
		e.sendError(sender.ID, protocol.CodeAuthFailed, "authentication failed")
		e.disconnect(sender.ID, "auth_failed")
		return
	}
	if err := e.registry.Authenticate(sender.ID, identity); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			e.logger.Warn("handshake transition failed", "sessionId", sender.ID, "error", err)
		}
		return
	}
	e.logger.Info("session authenticated",
		"sessionId", sender.ID, "userId", identity.UserID, "username", identity.Username)
	e.joinRoom(sender, m)
}

// joinRoom applies a room join and announces it. Idempotent at the registry;
// the presence fan-out reflects the membership after the join.
func (e *Engine) joinRoom(sender *session.Session, m *protocol.Message) {
	if m.Scope.Kind != protocol.ScopeRoom || m.Scope.RoomID == "" {
		e.sendError(sender.ID, protocol.CodeInvalid, "JOIN requires a room scope")
		return
	}
	members, err := e.registry.JoinRoom(sender.ID, m.Scope.RoomID)
	if err != nil {
		return
	}
	e.deliver(sender, protocol.NewAck(sender.ID, m.Sequence))
	e.presence(sender, m.Scope.RoomID, protocol.PresenceJoined, members)
	e.sink.MessageRouted(string(protocol.TypeJoin), len(members))
}

// leave handles LEAVE: with a room scope the session leaves that room; with
// a broadcast scope the client is asking to disconnect entirely. Validation
// rejects direct-scoped LEAVE before it gets here.
func (e *Engine) leave(sender *session.Session, m *protocol.Message) {
	if m.Scope.Kind == protocol.ScopeRoom {
		members, _ := e.registry.LeaveRoom(sender.ID, m.Scope.RoomID)
		e.deliver(sender, protocol.NewAck(sender.ID, m.Sequence))
		e.presence(sender, m.Scope.RoomID, protocol.PresenceLeft, members)
		e.sink.MessageRouted(string(protocol.TypeLeave), len(members))
		return
	}
	e.deliver(sender, protocol.NewAck(sender.ID, m.Sequence))
	e.disconnect(sender.ID, "client_leave")
}

// presence announces a membership change to the room's members. The moving
// session itself is notified only when echo is enabled for this server.
func (e *Engine) presence(mover *session.Session, roomID string, event protocol.PresenceEvent, members []string) {
	body := protocol.PresenceBody{
		RoomID:    roomID,
		SessionID: mover.ID,
		Username:  mover.Identity().Username,
		Event:     event,
		Members:   len(members),
	}
	msg := protocol.NewPresence(roomID, body)
	fanout := 0
	for _, id := range members {
		if id == mover.ID && !e.echo {
			continue
		}
		if e.deliverTo(id, msg) {
			fanout++
		}
	}
	if event == protocol.PresenceLeft && e.echo {
		e.deliver(mover, msg)
	}
	e.sink.MessageRouted(string(protocol.TypePresence), fanout)
}

// chat fans a CHAT message out according to its scope.
func (e *Engine) chat(sender *session.Session, m *protocol.Message) {
	switch m.Scope.Kind {
	case protocol.ScopeDirect:
		e.direct(sender, m)
	case protocol.ScopeRoom:
		e.room(sender, m)
	case protocol.ScopeBroadcast:
		e.broadcast(sender, m)
	}
}

// direct delivers to exactly one peer, or surfaces exactly one ERROR to the
// sender when the peer is unknown, with no other side effects.
func (e *Engine) direct(sender *session.Session, m *protocol.Message) {
	peer, err := e.registry.Lookup(m.Scope.PeerID)
	if err != nil {
		e.sendError(sender.ID, protocol.CodeUnknownPeer, "unknown peer "+m.Scope.PeerID)
		return
	}
	e.deliver(peer, m)
	if m.Ack {
		e.deliver(sender, protocol.NewAck(sender.ID, m.Sequence))
	}
	e.sink.MessageRouted(string(protocol.TypeChat), 1)
}

// room delivers one copy per member, excluding the sender unless the server
// echo default or the message's ack flag asks for an echo. Senders must be
// members of the room they post to.
func (e *Engine) room(sender *session.Session, m *protocol.Message) {
	members := e.registry.RoomMembers(m.Scope.RoomID)
	if !contains(members, sender.ID) {
		e.sendError(sender.ID, protocol.CodeNotJoined, "not a member of room "+m.Scope.RoomID)
		return
	}
	fanout := 0
	for _, id := range members {
		if id == sender.ID && !e.echoWanted(m) {
			continue
		}
		if e.deliverTo(id, m) {
			fanout++
		}
	}
	e.sink.MessageRouted(string(protocol.TypeChat), fanout)
}

// broadcast delivers one copy to every active session, same echo rule as
// rooms.
func (e *Engine) broadcast(sender *session.Session, m *protocol.Message) {
	fanout := 0
	for _, target := range e.registry.ActiveSessions() {
		if target.ID == sender.ID && !e.echoWanted(m) {
			continue
		}
		if e.deliver(target, m) {
			fanout++
		}
	}
	e.sink.MessageRouted(string(protocol.TypeChat), fanout)
}

func (e *Engine) echoWanted(m *protocol.Message) bool {
	return e.echo || m.Ack
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
