// Package server runs the reader and writer loops owned by each connection.
// All per-connection state (decode buffer, write buffer) belongs exclusively
// to these two goroutines; the only shared structure they touch is the
// session registry, via its operations.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/ring"
	"github.com/chatflow-dev/chatflow/internal/session"
	"github.com/chatflow-dev/chatflow/internal/wire"
)

// conn ties one transport to one session and its two loops.
type conn struct {
	srv  *Server
	t    transport
	sess *session.Session

	limiter   *rateLimiter
	closeOnce sync.Once
}

func (s *Server) newConn(t transport) *conn {
	sess := s.registry.Register(t.RemoteAddr())
	return &conn{
		srv:     s,
		t:       t,
		sess:    sess,
		limiter: newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
	}
}

// start launches the reader and writer loops. The writer subscribes to the
// egress ring here, before the reader can trigger any routing, so no
// delivery ever precedes the subscription.
func (c *conn) start(ctx context.Context) {
	c.srv.trackConn(c)
	c.srv.sink.ConnectionOpened(c.t.Name())
	c.srv.logger.Info("connection opened",
		"sessionId", c.sess.ID, "remote", c.t.RemoteAddr(), "transport", c.t.Name())

	egress := c.sess.Egress().Subscribe()

	c.srv.wg.Add(2)
	go func() {
		defer c.srv.wg.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer c.srv.wg.Done()
		c.writeLoop(ctx, egress)
	}()
}

// readLoop decodes frames and submits them to the ingress ring. A full
// ingress ring blocks the submit, which pauses reads on this connection
// only: flow control, not loss.
func (c *conn) readLoop(ctx context.Context) {
	defer c.close("read_closed")

	for {
		if err := c.t.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout)); err != nil {
			return
		}
		m, err := c.t.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.sess.Touch()

		if !c.limiter.allow() {
			// Discard, tell the sender, keep the connection.
			c.enqueueDirect(protocol.NewError(c.sess.ID, protocol.CodeRateLimited,
				"message rate limit exceeded; message discarded"))
			continue
		}

		if err := c.srv.engine.Submit(ctx, c.sess.ID, m); err != nil {
			return
		}
	}
}

// handleReadError classifies the failure, surfaces protocol errors to the
// peer while the connection is still writable, and picks the close reason.
func (c *conn) handleReadError(err error) {
	switch {
	case errors.Is(err, wire.ErrFrameTooLarge):
		c.writeDirect(protocol.NewError(c.sess.ID, protocol.CodeBadFrame,
			"frame exceeds maximum length"))
		c.close("frame_too_large")
	case errors.Is(err, protocol.ErrBadVersion):
		c.writeDirect(protocol.NewError(c.sess.ID, protocol.CodeBadVersion,
			"unsupported protocol version"))
		c.close("bad_version")
	case errors.Is(err, protocol.ErrUnknownType), errors.Is(err, wire.ErrEmptyFrame), errors.Is(err, protocol.ErrEmptyBody):
		c.writeDirect(protocol.NewError(c.sess.ID, protocol.CodeBadFrame, err.Error()))
		c.close("malformed_frame")
	case isTimeout(err):
		c.srv.logger.Info("idle session timed out",
			"sessionId", c.sess.ID, "idle", c.sess.IdleSince())
		c.close("idle_timeout")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.close("peer_disconnect")
	default:
		// Malformed JSON bodies land here too; local to this connection.
		c.writeDirect(protocol.NewError(c.sess.ID, protocol.CodeBadFrame, err.Error()))
		c.srv.logger.Info("read error", "sessionId", c.sess.ID, "error", err)
		c.close("read_error")
	}
}

// writeLoop drains the session's egress ring into the socket, then any
// critical messages parked in the reserve while the ring was full. While
// the session is degraded, non-critical messages are shed here instead of
// being written, which is what frees the ring for the traffic that matters.
func (c *conn) writeLoop(ctx context.Context, egress *ring.Reader[*protocol.Message]) {
	defer c.close("write_closed")

	for {
		m, ok, err := egress.TryNext()
		if err != nil {
			// Ring closed on removal.
			return
		}
		if !ok {
			if parked := c.sess.TakeReserve(); len(parked) > 0 {
				for _, p := range parked {
					if !c.writeOne(p) {
						return
					}
				}
				continue
			}
			if m, err = egress.Next(ctx); err != nil {
				return
			}
		}
		if c.sess.Degraded() && !m.Type.Critical() {
			c.srv.sink.MessageShed(string(m.Type))
			continue
		}
		if !c.writeOne(m) {
			return
		}
	}
}

func (c *conn) writeOne(m *protocol.Message) bool {
	if err := c.t.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return false
	}
	if err := c.t.WriteMessage(m); err != nil {
		if !isExpectedCloseError(err) {
			c.srv.logger.Info("write error", "sessionId", c.sess.ID, "error", err)
		}
		return false
	}
	return true
}

// enqueueDirect places a server-originated message on this session's egress
// ring, dropping it if the ring is full. Used for feedback that must not
// block the reader.
func (c *conn) enqueueDirect(m *protocol.Message) {
	if c.sess.EnqueueEgress(m) == session.EnqueueShed {
		c.srv.sink.MessageShed(string(m.Type))
	}
}

// writeDirect writes straight to the transport, bypassing the egress ring.
// Only used on the failure path right before close, when the writer loop may
// already be gone.
func (c *conn) writeDirect(m *protocol.Message) {
	if err := c.t.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return
	}
	_ = c.t.WriteMessage(m)
}

// close tears the connection down exactly once: state to closing, session
// removed from the registry and every room (which closes the egress ring and
// stops the writer), departure announced, socket closed.
func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		_ = c.srv.registry.Transition(c.sess.ID, session.StateClosing)
		identity := c.sess.Identity()
		rooms := c.srv.registry.Remove(c.sess.ID)
		c.srv.engine.AnnounceDeparture(c.sess.ID, identity, rooms)

		if err := c.t.Close(); err != nil && !isExpectedCloseError(err) {
			c.srv.logger.Debug("error closing transport", "sessionId", c.sess.ID, "error", err)
		}
		c.srv.untrackConn(c)
		c.srv.sink.ConnectionClosed(c.t.Name(), reason)
		c.srv.logger.Info("connection closed",
			"sessionId", c.sess.ID, "remote", c.t.RemoteAddr(), "reason", reason)
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
