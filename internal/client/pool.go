// Package client provides a room-keyed connection pool so the load
// generator can multiplex many senders over a bounded set of connections.
package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/chatflow-dev/chatflow/internal/protocol"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Addr is the framed-TCP server address.
	Addr string
	// ConnectionsPerRoom bounds the pool per room; senders round-robin
	// across them.
	ConnectionsPerRoom int
	// DialTimeout bounds each dial plus handshake.
	DialTimeout time.Duration
	// Credentials builds the handshake credentials for a new connection.
	Credentials func(roomID string, index int) protocol.Credentials
}

// Pool hands out established, joined connections keyed by room. Connections
// are created lazily and reused round-robin, mirroring one warm connection
// set per room rather than one per sender.
type Pool struct {
	opts PoolOptions

	mu       sync.Mutex
	conns    map[string][]*Conn
	counters map[string]int
}

// NewPool returns an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.ConnectionsPerRoom <= 0 {
		opts.ConnectionsPerRoom = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Credentials == nil {
		opts.Credentials = func(roomID string, index int) protocol.Credentials {
			return protocol.Credentials{UserID: fmt.Sprint(index + 1), Username: fmt.Sprintf("pool%d", index+1)}
		}
	}
	return &Pool{
		opts:     opts,
		conns:    make(map[string][]*Conn),
		counters: make(map[string]int),
	}
}

// Get returns a connection joined to roomID, dialing one if the room's set
// is not yet full, otherwise reusing round-robin.
func (p *Pool) Get(roomID string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.conns[roomID]
	index := p.counters[roomID]
	p.counters[roomID] = index + 1

	if len(set) >= p.opts.ConnectionsPerRoom {
		return set[index%len(set)], nil
	}

	conn, err := Dial(p.opts.Addr, p.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	if err := conn.Join(roomID, p.opts.Credentials(roomID, len(set))); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: join %s: %w", roomID, err)
	}
	// The handshake answer is an ACK, or an ERROR on rejection.
	reply, err := conn.Recv(p.opts.DialTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("client: handshake %s: %w", roomID, err)
	}
	if reply.Type == protocol.TypeError {
		_ = conn.Close()
		return nil, fmt.Errorf("client: handshake rejected: %s", reply.Payload)
	}

	p.conns[roomID] = append(set, conn)
	return conn, nil
}

// Size returns the number of open connections in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, set := range p.conns {
		n += len(set)
	}
	return n
}

// Close closes every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, set := range p.conns {
		for _, conn := range set {
			_ = conn.Close()
		}
	}
	p.conns = make(map[string][]*Conn)
	p.counters = make(map[string]int)
}
