// Package server constructs and runs the ChatFlow service: the framed-TCP
// acceptor, the WebSocket gateway, the admin HTTP surface, and the routing
// engine behind them.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatflow-dev/chatflow/internal/config"
	"github.com/chatflow-dev/chatflow/internal/metrics"
	"github.com/chatflow-dev/chatflow/internal/router"
	"github.com/chatflow-dev/chatflow/internal/session"
)

// Options configures a Server. Zero-value fields fall back to defaults.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Sink   metrics.Sink
	// Authenticate validates handshake credentials; the wire-rule
	// authenticator is used when nil.
	Authenticate session.Authenticator
}

// Server owns the listeners and the pipeline wiring.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	sink     metrics.Sink
	registry *session.Registry
	engine   *router.Engine
	origins  *originPolicy

	mu    sync.Mutex
	conns map[string]*conn
	ln    net.Listener
	http  *http.Server

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New assembles a server from the options.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := opts.Sink
	if sink == nil {
		sink = metrics.Nop{}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		registry: session.NewRegistry(cfg.EgressRing, logger),
		origins:  newOriginPolicy(cfg.AllowedOrigins, logger),
		conns:    make(map[string]*conn),
	}
	s.engine = router.New(s.registry, router.Options{
		IngressCapacity: cfg.IngressRing,
		Workers:         cfg.Workers,
		EchoToSender:    cfg.EchoToSender,
		DegradedGrace:   cfg.DegradedGrace,
		Authenticate:    opts.Authenticate,
		Disconnect:      s.CloseSession,
		Sink:            sink,
		Logger:          logger,
	})
	return s
}

// Registry exposes the session registry for the admin surface and tests.
func (s *Server) Registry() *session.Registry { return s.registry }

// Engine exposes the routing engine for tests.
func (s *Server) Engine() *router.Engine { return s.engine }

// Addr returns the bound TCP listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// HTTPAddr returns the bound HTTP listener address once Serve has started.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return ""
	}
	return s.http.Addr
}

// Serve starts the routing engine and both listeners and blocks until the
// context is cancelled or a listener fails. Startup failures (a bad bind
// address) are the only fatal errors; everything after that stays local to
// the connection that caused it.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	s.engine.Start(ctx)

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = ln.Close()
		return err
	}

	httpServer := &http.Server{
		Addr:        httpLn.Addr().String(),
		Handler:     s.routes(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.http = httpServer
	s.mu.Unlock()

	s.logger.Info("server listening",
		"tcp", ln.Addr().String(), "http", httpLn.Addr().String(),
		"workers", s.cfg.Workers, "maxFrameSize", s.cfg.MaxFrameSize)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx, ln) })
	g.Go(func() error {
		err := httpServer.Serve(httpLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = ln.Close()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	if s.closing.Load() || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// acceptLoop accepts framed-TCP connections. Accept failures are service
// degradation, not a crash: transient errors back off and the loop keeps
// serving existing sessions.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		rawConn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		backoff = 0
		if s.closing.Load() {
			_ = rawConn.Close()
			continue
		}
		if s.atCapacity() {
			s.logger.Warn("connection limit reached, rejecting", "remote", rawConn.RemoteAddr(), "limit", s.cfg.MaxConnections)
			_ = rawConn.Close()
			continue
		}
		c := s.newConn(newTCPTransport(rawConn, s.cfg.MaxFrameSize))
		c.start(ctx)
	}
}

// CloseSession tears down the connection behind a session id. Unknown ids
// are a no-op. The engine calls this for slow consumers and failed
// handshakes.
func (s *Server) CloseSession(sessionID, reason string) {
	s.mu.Lock()
	c := s.conns[sessionID]
	s.mu.Unlock()
	if c == nil {
		return
	}
	// Close blocks on the registry lock and the socket, neither of which
	// belongs on the routing hot path.
	go c.close(reason)
}

// lifecycleCtx returns the context governing connection goroutines. It is
// context.Background until Serve runs, which only matters to tests that
// drive connections without a listener.
func (s *Server) lifecycleCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// atCapacity reports whether the connection cap is exhausted. Existing
// sessions are never shed to make room, new ones are turned away instead.
func (s *Server) atCapacity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) >= s.cfg.MaxConnections
}

func (s *Server) trackConn(c *conn) {
	s.mu.Lock()
	s.conns[c.sess.ID] = c
	s.mu.Unlock()
}

func (s *Server) untrackConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.sess.ID)
	s.mu.Unlock()
}

// Shutdown gracefully stops the server: new connections are rejected,
// existing ones are closed, and the routing engine drains. It returns
// context.DeadlineExceeded if the connection goroutines do not finish within
// the timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.logger.Info("initiating server shutdown")
	s.closing.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close("server_shutdown")
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.engine.Stop()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info("server shutdown completed")
		return nil
	case <-time.After(timeout):
		s.logger.Warn("server shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
