// Package router consumes decoded inbound events from the ingress ring and
// delivers outbound copies onto each target session's egress ring. A small
// fixed pool of workers shares the ingress ring; events are partitioned by
// sender so messages from one session are always processed by the same
// worker, preserving per-sender FIFO through the parallelism.
package router

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/chatflow-dev/chatflow/internal/metrics"
	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/ring"
	"github.com/chatflow-dev/chatflow/internal/session"
)

// Inbound is one decoded client message entering the pipeline.
type Inbound struct {
	SessionID string
	Msg       *protocol.Message
}

// Options configures an Engine.
type Options struct {
	// IngressCapacity is the slot count of the shared ingress ring.
	IngressCapacity int
	// Workers is the processing pool size.
	Workers int
	// EchoToSender delivers room/broadcast messages back to their sender
	// by default. A message's ack flag requests an echo regardless.
	EchoToSender bool
	// DegradedGrace bounds how long a session's egress ring may stay full
	// before the session is disconnected.
	DegradedGrace time.Duration
	// Authenticate validates handshake credentials.
	Authenticate session.Authenticator
	// Disconnect tears down a session's connection. Called off the engine
	// hot path for slow consumers and failed handshakes.
	Disconnect func(sessionID, reason string)

	Sink   metrics.Sink
	Logger *slog.Logger
}

// Engine is the routing/broadcast engine.
type Engine struct {
	ingress  *ring.Ring[Inbound]
	registry *session.Registry

	workers int
	echo    bool
	grace   time.Duration

	auth       session.Authenticator
	disconnect func(sessionID, reason string)

	sink   metrics.Sink
	logger *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns an engine over the given registry. Call Start before
// submitting events.
func New(registry *session.Registry, opts Options) *Engine {
	if opts.IngressCapacity <= 0 {
		opts.IngressCapacity = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DegradedGrace <= 0 {
		opts.DegradedGrace = 5 * time.Second
	}
	if opts.Sink == nil {
		opts.Sink = metrics.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authenticate == nil {
		opts.Authenticate = DefaultAuthenticator
	}
	if opts.Disconnect == nil {
		opts.Disconnect = func(string, string) {}
	}
	return &Engine{
		ingress:    ring.New[Inbound](opts.IngressCapacity),
		registry:   registry,
		workers:    opts.Workers,
		echo:       opts.EchoToSender,
		grace:      opts.DegradedGrace,
		auth:       opts.Authenticate,
		disconnect: opts.Disconnect,
		sink:       opts.Sink,
		logger:     opts.Logger,
	}
}

// DefaultAuthenticator accepts any credentials passing the wire validation
// rules; real deployments inject their own policy.
func DefaultAuthenticator(userID, username string) (session.Identity, error) {
	if err := protocol.ValidateCredentials(protocol.Credentials{UserID: userID, Username: username}); err != nil {
		return session.Identity{}, err
	}
	return session.Identity{UserID: userID, Username: username}, nil
}

// Start launches the worker pool. Each worker subscribes its own cursor and
// claims the events whose sender hashes to it, so all subscriptions happen
// before the first publish.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		rd := e.ingress.Subscribe()
		e.wg.Add(1)
		go e.worker(ctx, i, rd)
	}
	e.logger.Info("routing engine started", "workers", e.workers, "ingressCapacity", e.ingress.Cap())
}

// Stop cancels the workers, closes the ingress ring, and waits for the pool
// to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.ingress.Close()
	e.wg.Wait()
}

// Submit publishes one inbound event, blocking while the ingress ring is
// full. The block is the flow-control point: only the calling connection's
// reader pauses, other connections keep publishing once space frees.
func (e *Engine) Submit(ctx context.Context, sessionID string, m *protocol.Message) error {
	ev := Inbound{SessionID: sessionID, Msg: m}
	err := e.ingress.TryPublish(ev)
	if !errors.Is(err, ring.ErrFull) {
		return err
	}
	e.sink.RingFull("ingress")
	return e.ingress.Publish(ctx, ev)
}

// IngressLen reports the number of unconsumed ingress events, for the admin
// surface.
func (e *Engine) IngressLen() int { return e.ingress.Len() }

func (e *Engine) worker(ctx context.Context, idx int, rd *ring.Reader[Inbound]) {
	defer e.wg.Done()
	for {
		ev, err := rd.Next(ctx)
		if err != nil {
			return
		}
		if partition(ev.SessionID, e.workers) != idx {
			continue
		}
		e.process(ev)
	}
}

func partition(sessionID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return int(h.Sum32() % uint32(workers))
}

// deliver enqueues one outbound copy for the target. It never blocks: a
// full ring parks critical messages in the target's reserve and sheds the
// rest, marks the target degraded, and disconnects it once it has been
// degraded past the grace period. Returns true when the message will reach
// the writer.
func (e *Engine) deliver(target *session.Session, m *protocol.Message) bool {
	switch target.EnqueueEgress(m) {
	case session.EnqueueOK:
		// End a slow-consumer episode once the ring has real headroom.
		if target.Degraded() && target.ReserveLen() == 0 && target.Egress().Len() <= target.Egress().Cap()/2 {
			target.ClearDegraded()
			e.sink.SessionRecovered()
		}
		return true
	case session.EnqueueReserved:
		e.sink.RingFull("egress")
		e.degrade(target)
		return true
	case session.EnqueueShed:
		e.sink.RingFull("egress")
		e.sink.MessageShed(string(m.Type))
		e.degrade(target)
		return false
	default:
		// Ring closed: the session is going away, drop silently.
		return false
	}
}

// degrade records egress pressure on the target and disconnects it once the
// pressure has lasted past the grace period.
func (e *Engine) degrade(target *session.Session) {
	degradedFor := target.MarkDegraded()
	if degradedFor == 0 {
		e.sink.SessionDegraded()
		e.logger.Warn("session degraded, egress ring full",
			"sessionId", target.ID, "capacity", target.Egress().Cap())
	}
	if degradedFor > e.grace {
		e.logger.Warn("disconnecting slow consumer",
			"sessionId", target.ID, "degradedFor", degradedFor)
		e.disconnect(target.ID, "slow_consumer")
	}
}

// deliverTo resolves the target id and delivers, tolerating a target that
// closed between resolution and delivery.
func (e *Engine) deliverTo(sessionID string, m *protocol.Message) bool {
	target, err := e.registry.Lookup(sessionID)
	if err != nil {
		return false
	}
	return e.deliver(target, m)
}

// AnnounceDeparture emits PRESENCE events to the rooms a removed session
// belonged to. Called from the connection close path after the registry
// purge, so the membership snapshots no longer include the departed session.
func (e *Engine) AnnounceDeparture(sessionID string, identity session.Identity, rooms []string) {
	for _, roomID := range rooms {
		members := e.registry.RoomMembers(roomID)
		if len(members) == 0 {
			continue
		}
		msg := protocol.NewPresence(roomID, protocol.PresenceBody{
			RoomID:    roomID,
			SessionID: sessionID,
			Username:  identity.Username,
			Event:     protocol.PresenceLeft,
			Members:   len(members),
		})
		fanout := 0
		for _, id := range members {
			if e.deliverTo(id, msg) {
				fanout++
			}
		}
		e.sink.MessageRouted(string(protocol.TypePresence), fanout)
	}
}

// sendError surfaces a routing or protocol error back to one sender.
func (e *Engine) sendError(sessionID string, code protocol.ErrorCode, reason string) {
	e.sink.RoutingError(string(code))
	e.deliverTo(sessionID, protocol.NewError(sessionID, code, reason))
}
