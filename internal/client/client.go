// Package client implements the native ChatFlow protocol client used by the
// load generator and the integration tests. It speaks the same framed codec
// as the server, over plain TCP or the WebSocket gateway.
package client

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/wire"
)

// Conn is one client connection to a ChatFlow server.
type Conn struct {
	writeMu sync.Mutex
	rw      frameConn
	seq     atomic.Uint64
}

// frameConn carries one codec body per call, whatever the transport.
type frameConn interface {
	readMessage() (*protocol.Message, error)
	writeMessage(*protocol.Message) error
	setReadDeadline(time.Time) error
	close() error
}

type tcpFrameConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	dec  *wire.Decoder
	enc  *wire.Encoder
}

func (t *tcpFrameConn) readMessage() (*protocol.Message, error) { return t.dec.ReadFrom(t.br) }

func (t *tcpFrameConn) writeMessage(m *protocol.Message) error {
	if err := t.enc.Encode(m); err != nil {
		return err
	}
	return t.bw.Flush()
}

func (t *tcpFrameConn) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *tcpFrameConn) close() error                      { return t.conn.Close() }

type wsFrameConn struct {
	conn *websocket.Conn
}

func (t *wsFrameConn) readMessage() (*protocol.Message, error) {
	for {
		kind, body, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return protocol.UnmarshalBody(body)
	}
}

func (t *wsFrameConn) writeMessage(m *protocol.Message) error {
	body, err := protocol.MarshalBody(m)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *wsFrameConn) setReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *wsFrameConn) close() error                      { return t.conn.Close() }

// Dial connects to a framed-TCP listener.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	bw := bufio.NewWriter(conn)
	return &Conn{rw: &tcpFrameConn{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bw,
		dec:  wire.NewDecoder(0),
		enc:  wire.NewEncoder(bw, 0),
	}}, nil
}

// DialWebSocket connects through the WebSocket gateway, url like
// ws://host:port/ws.
func DialWebSocket(url string, timeout time.Duration) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	wsConn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	return &Conn{rw: &wsFrameConn{conn: wsConn}}, nil
}

// send stamps the per-connection sequence and writes the message.
func (c *Conn) send(m *protocol.Message) error {
	m.Sequence = c.seq.Add(1)
	m.Timestamp = protocol.Now()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.rw.writeMessage(m)
}

// Join performs the handshake: credentials in the payload, the initial room
// in the scope. The server answers with an ACK, or an ERROR on rejection.
func (c *Conn) Join(roomID string, creds protocol.Credentials) error {
	payload, err := marshalCredentials(creds)
	if err != nil {
		return err
	}
	return c.send(&protocol.Message{
		Type:    protocol.TypeJoin,
		Scope:   protocol.RoomScope(roomID),
		Payload: payload,
	})
}

// JoinRoom joins an additional room on an already-authenticated connection.
func (c *Conn) JoinRoom(roomID string) error {
	return c.send(&protocol.Message{
		Type:  protocol.TypeJoin,
		Scope: protocol.RoomScope(roomID),
	})
}

// LeaveRoom leaves one room.
func (c *Conn) LeaveRoom(roomID string) error {
	return c.send(&protocol.Message{
		Type:  protocol.TypeLeave,
		Scope: protocol.RoomScope(roomID),
	})
}

// Chat sends a CHAT message with an arbitrary scope.
func (c *Conn) Chat(scope protocol.Scope, text string, ack bool) error {
	return c.send(&protocol.Message{
		Type:    protocol.TypeChat,
		Scope:   scope,
		Payload: []byte(text),
		Ack:     ack,
	})
}

// Ping sends a liveness probe; the server replies with PONG.
func (c *Conn) Ping() error {
	return c.send(&protocol.Message{Type: protocol.TypePing, Scope: protocol.BroadcastScope()})
}

// Recv blocks for the next server message, up to timeout (zero means no
// deadline).
func (c *Conn) Recv(timeout time.Duration) (*protocol.Message, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.rw.setReadDeadline(deadline); err != nil {
		return nil, err
	}
	return c.rw.readMessage()
}

// Close tears the connection down.
func (c *Conn) Close() error { return c.rw.close() }

func marshalCredentials(creds protocol.Credentials) ([]byte, error) {
	if err := protocol.ValidateCredentials(creds); err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`{"userId":%q,"username":%q}`, creds.UserID, creds.Username)), nil
}
