// Package server accepts client connections, runs the per-connection reader
// and writer loops, and wires decoded traffic into the dispatch pipeline.
package server

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/wire"
)

// transport abstracts one client connection at the message level. The TCP
// transport frames messages with the length-prefixed codec; the WebSocket
// transport carries one codec body per binary WebSocket message, the
// WebSocket layer providing the framing.
type transport interface {
	ReadMessage() (*protocol.Message, error)
	WriteMessage(*protocol.Message) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
	RemoteAddr() string
	Name() string
}

type tcpTransport struct {
	conn net.Conn
	br   *bufio.Reader
	// writeMu serializes the writer loop and the pre-close error path,
	// which may write concurrently.
	writeMu sync.Mutex
	bw      *bufio.Writer
	dec     *wire.Decoder
	enc     *wire.Encoder
}

func newTCPTransport(conn net.Conn, maxFrame int) *tcpTransport {
	bw := bufio.NewWriter(conn)
	return &tcpTransport{
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bw,
		dec:  wire.NewDecoder(maxFrame),
		enc:  wire.NewEncoder(bw, maxFrame),
	}
}

func (t *tcpTransport) ReadMessage() (*protocol.Message, error) {
	return t.dec.ReadFrom(t.br)
}

func (t *tcpTransport) WriteMessage(m *protocol.Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.enc.Encode(m); err != nil {
		return err
	}
	return t.bw.Flush()
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }
func (t *tcpTransport) Name() string                       { return "tcp" }

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(conn *websocket.Conn, maxFrame int) *wsTransport {
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() (*protocol.Message, error) {
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

func (t *wsTransport) WriteMessage(m *protocol.Message) error {
	body, err := protocol.MarshalBody(m)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *wsTransport) Close() error                       { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() string                 { return t.conn.RemoteAddr().String() }
func (t *wsTransport) Name() string                       { return "websocket" }

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
