package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-dev/chatflow/internal/client"
	"github.com/chatflow-dev/chatflow/internal/config"
	"github.com/chatflow-dev/chatflow/internal/protocol"
)

const testTimeout = 3 * time.Second

func testConfig() *config.Config {
	cfg := config.New()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.IdleTimeout = 5 * time.Second
	cfg.DegradedGrace = 500 * time.Millisecond
	return cfg
}

// startServer runs a server on ephemeral ports and tears it down with the
// test.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	srv := New(Options{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown(testTimeout)
		cancel()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		return srv.Addr() != nil
	}, testTimeout, 10*time.Millisecond, "server did not start listening")
	return srv
}

func dialAndJoin(t *testing.T, srv *Server, userID, username, room string) *client.Conn {
	t.Helper()
	c, err := client.Dial(srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Join(room, protocol.Credentials{UserID: userID, Username: username}))
	reply, err := c.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAck, reply.Type, "handshake must be acknowledged")
	return c
}

func recvErrorCode(t *testing.T, m *protocol.Message) protocol.ErrorCode {
	t.Helper()
	require.Equal(t, protocol.TypeError, m.Type)
	var body protocol.ErrorBody
	require.NoError(t, json.Unmarshal(m.Payload, &body))
	return body.Code
}

func TestEndToEndRoomChat(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	alice := dialAndJoin(t, srv, "1", "alice", "general")
	bob := dialAndJoin(t, srv, "2", "bobby", "general")

	// Alice sees Bob arrive.
	m, err := alice.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePresence, m.Type)
	var presence protocol.PresenceBody
	require.NoError(t, json.Unmarshal(m.Payload, &presence))
	assert.Equal(t, protocol.PresenceJoined, presence.Event)
	assert.Equal(t, 2, presence.Members)

	require.NoError(t, bob.Chat(protocol.RoomScope("general"), "hi alice", false))

	m, err = alice.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChat, m.Type)
	assert.Equal(t, []byte("hi alice"), m.Payload)
	assert.Equal(t, "general", m.Scope.RoomID)
}

func TestChatBeforeJoinRejected(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	c, err := client.Dial(srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Chat(protocol.RoomScope("general"), "too eager", false))

	m, err := c.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeNotJoined, recvErrorCode(t, m))
}

func TestPingPongOverTCP(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	c := dialAndJoin(t, srv, "1", "alice", "general")

	require.NoError(t, c.Ping())
	m, err := c.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, m.Type)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxFrameSize = 256
	srv := startServer(t, cfg)
	c := dialAndJoin(t, srv, "1", "alice", "general")

	require.NoError(t, c.Chat(protocol.RoomScope("general"), strings.Repeat("x", 400), false))

	m, err := c.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeBadFrame, recvErrorCode(t, m))

	// The stream cannot be re-synchronized, so the server hangs up.
	require.Eventually(t, func() bool {
		_, err := c.Recv(100 * time.Millisecond)
		return err != nil && !isTimeout(err)
	}, testTimeout, 10*time.Millisecond)
}

func TestRateLimitedMessageDiscarded(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RateLimit.Burst = 1
	cfg.RateLimit.RefillInterval = time.Hour
	srv := startServer(t, cfg)

	// The handshake JOIN consumes the only token.
	c := dialAndJoin(t, srv, "1", "alice", "general")

	require.NoError(t, c.Ping())
	m, err := c.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeRateLimited, recvErrorCode(t, m))

	// The connection survives the discarded message.
	assert.Equal(t, 1, srv.Registry().Len())
}

func TestIdleConnectionTimesOut(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	srv := startServer(t, cfg)
	c := dialAndJoin(t, srv, "1", "alice", "general")

	_, err := c.Recv(testTimeout)
	assert.Error(t, err, "server closes idle connections")
	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestDepartureAnnouncedToRoom(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	alice := dialAndJoin(t, srv, "1", "alice", "general")
	bob := dialAndJoin(t, srv, "2", "bobby", "general")

	// Drain Bob's join presence.
	m, err := alice.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePresence, m.Type)

	require.NoError(t, bob.Close())

	m, err = alice.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePresence, m.Type)
	var presence protocol.PresenceBody
	require.NoError(t, json.Unmarshal(m.Payload, &presence))
	assert.Equal(t, protocol.PresenceLeft, presence.Event)
	assert.Equal(t, 1, presence.Members)
}

func TestWebSocketGateway(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	url := fmt.Sprintf("ws://%s/ws", srv.HTTPAddr())

	ws, err := client.DialWebSocket(url, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.Join("general", protocol.Credentials{UserID: "7", Username: "carol"}))
	reply, err := ws.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeAck, reply.Type)

	// Gateway and TCP clients share the same rooms.
	tcp := dialAndJoin(t, srv, "8", "dave", "general")
	require.NoError(t, tcp.Chat(protocol.RoomScope("general"), "cross transport", false))

	for {
		m, err := ws.Recv(testTimeout)
		require.NoError(t, err)
		if m.Type == protocol.TypePresence {
			continue
		}
		require.Equal(t, protocol.TypeChat, m.Type)
		assert.Equal(t, []byte("cross transport"), m.Payload)
		break
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	base := "http://" + srv.HTTPAddr()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ok sessions=")

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownBeforeServe(t *testing.T) {
	t.Parallel()

	srv := New(Options{
		Config: testConfig(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, srv.Shutdown(testTimeout))
}

func TestConnectionLimitRejectsNewDials(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxConnections = 1
	srv := startServer(t, cfg)

	alice := dialAndJoin(t, srv, "1", "alice", "general")

	// The second dial is accepted at the socket level and closed
	// immediately, so the failure surfaces on the first read.
	over, err := client.Dial(srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = over.Close() })
	if err := over.Join("general", protocol.Credentials{UserID: "2", Username: "bobby"}); err == nil {
		_, err = over.Recv(testTimeout)
		assert.Error(t, err, "connections past the limit are turned away")
	}

	// The established session keeps working.
	require.NoError(t, alice.Ping())
	reply, err := alice.Recv(testTimeout)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePong, reply.Type)
	assert.Equal(t, 1, srv.Registry().Len())
}

func TestShutdownClosesConnections(t *testing.T) {
	t.Parallel()

	srv := startServer(t, nil)
	c := dialAndJoin(t, srv, "1", "alice", "general")

	require.NoError(t, srv.Shutdown(testTimeout))

	_, err := c.Recv(testTimeout)
	assert.Error(t, err, "clients observe the close")
	assert.Equal(t, 0, srv.Registry().Len())
}
