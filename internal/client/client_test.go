package client

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatflow-dev/chatflow/internal/config"
	"github.com/chatflow-dev/chatflow/internal/protocol"
	"github.com/chatflow-dev/chatflow/internal/server"
)

const testTimeout = 3 * time.Second

func startServer(t *testing.T) *server.Server {
	t.Helper()
	cfg := config.New()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	srv := server.New(server.Options{
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
		<-done
	})

	require.Eventually(t, func() bool {
		return srv.Addr() != nil
	}, testTimeout, 10*time.Millisecond)
	return srv
}

func TestConnSequencesMessages(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	c, err := Dial(srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Join("general", protocol.Credentials{UserID: "1", Username: "alice"}))
	reply, err := c.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeAck, reply.Type)

	// Each acked send carries the next client sequence.
	require.NoError(t, c.Chat(protocol.RoomScope("general"), "first", true))
	echoed, err := c.Recv(testTimeout)
	require.NoError(t, err)
	require.Equal(t, protocol.TypeChat, echoed.Type)
	assert.Equal(t, uint64(2), echoed.Sequence)
}

func TestJoinRejectsInvalidCredentialsLocally(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	c, err := Dial(srv.Addr().String(), testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.Join("general", protocol.Credentials{UserID: "0", Username: "alice"})
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestPoolRoundRobin(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	pool := NewPool(PoolOptions{
		Addr:               srv.Addr().String(),
		ConnectionsPerRoom: 2,
		DialTimeout:        testTimeout,
	})
	t.Cleanup(pool.Close)

	first, err := pool.Get("room0")
	require.NoError(t, err)
	second, err := pool.Get("room0")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, 2, pool.Size())

	// The set is full; further gets reuse round-robin.
	third, err := pool.Get("room0")
	require.NoError(t, err)
	assert.Same(t, first, third)
	assert.Equal(t, 2, pool.Size())

	// A different room gets its own set.
	other, err := pool.Get("room1")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
	assert.NotSame(t, second, other)
	assert.Equal(t, 3, pool.Size())
}

func TestRunLoad(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	csvPath := filepath.Join(t.TempDir(), "latencies.csv")

	res, err := RunLoad(context.Background(), LoadOptions{
		Addr:               srv.Addr().String(),
		Rooms:              2,
		ConnectionsPerRoom: 2,
		Senders:            2,
		Messages:           40,
		CSVPath:            csvPath,
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	assert.Equal(t, 40, res.Sent)
	assert.Zero(t, res.Failed)
	assert.Greater(t, res.PerSecond, 0.0)
	assert.GreaterOrEqual(t, res.P95, res.P50)
	assert.FileExists(t, csvPath)
}

func TestCollectorPercentiles(t *testing.T) {
	t.Parallel()

	col := &collector{}
	for i := 1; i <= 100; i++ {
		col.record("room0", time.Duration(i)*time.Millisecond, nil)
	}
	col.record("room0", 0, assert.AnError)

	res := col.result(time.Second)
	assert.Equal(t, 100, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 100.0, res.PerSecond)
	assert.Equal(t, 51*time.Millisecond, res.P50)
	assert.Equal(t, 96*time.Millisecond, res.P95)
	assert.Equal(t, 100*time.Millisecond, res.Max)
}
