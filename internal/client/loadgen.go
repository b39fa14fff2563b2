// Package client implements the load generator behind the loadtest command:
// sender workers pushing generated chat traffic through a connection pool
// while a collector tallies latency and throughput.
package client

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatflow-dev/chatflow/internal/protocol"
)

var predefinedMessages = []string{
	"Hello everyone!", "How are you doing?", "Great to be here!",
	"Anyone online?", "What's up?", "Good morning!",
	"Good evening!", "See you later!", "Thanks for the help!",
	"That's interesting!", "I agree with that.", "Nice to meet you!",
	"Let's discuss this.", "What do you think?", "Sounds good to me.",
	"I'm working on a project.", "Can anyone help?", "This is fun!",
	"Looking forward to it.", "Count me in!", "Absolutely!",
	"Got it!", "Understood.", "Makes sense.",
	"Interesting point.", "Good question.", "Fair enough.",
	"Let's do it!", "I'm in!", "Perfect!",
}

// LoadOptions configures a load run.
type LoadOptions struct {
	Addr               string
	Rooms              int
	ConnectionsPerRoom int
	Senders            int
	Messages           int
	// CSVPath, when set, receives one row per send.
	CSVPath string
	Logger  *slog.Logger
}

// Result summarizes a load run.
type Result struct {
	Sent      int
	Failed    int
	Elapsed   time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Max       time.Duration
	PerSecond float64
}

// String renders the summary for the CLI.
func (r Result) String() string {
	return fmt.Sprintf("sent=%d failed=%d elapsed=%s rate=%.0f/s p50=%s p95=%s p99=%s max=%s",
		r.Sent, r.Failed, r.Elapsed.Round(time.Millisecond), r.PerSecond, r.P50, r.P95, r.P99, r.Max)
}

// collector tallies per-send latency. Send latency here is time to write the
// frame; end-to-end delivery is covered by the receive loops.
type collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	failed    int
	rows      [][]string
}

func (c *collector) record(roomID string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed++
		return
	}
	c.latencies = append(c.latencies, latency)
	if c.rows != nil {
		c.rows = append(c.rows, []string{
			fmt.Sprint(time.Now().UnixMilli()),
			string(protocol.TypeChat),
			fmt.Sprint(latency.Microseconds()),
			roomID,
		})
	}
}

func (c *collector) result(elapsed time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := Result{Sent: len(c.latencies), Failed: c.failed, Elapsed: elapsed}
	if elapsed > 0 {
		res.PerSecond = float64(res.Sent) / elapsed.Seconds()
	}
	if len(c.latencies) == 0 {
		return res
	}
	sorted := append([]time.Duration(nil), c.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	res.P50 = percentile(sorted, 50)
	res.P95 = percentile(sorted, 95)
	res.P99 = percentile(sorted, 99)
	res.Max = sorted[len(sorted)-1]
	return res
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (c *collector) writeCSV(path string) error {
	c.mu.Lock()
	rows := c.rows
	c.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("client: create csv: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "messageType", "latencyUs", "roomId"}); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// RunLoad drives the configured traffic against a server and returns the
// summary. Receive loops drain server pushes so slow-consumer shedding on
// the server never triggers against the generator itself.
func RunLoad(ctx context.Context, opts LoadOptions) (Result, error) {
	if opts.Rooms <= 0 {
		opts.Rooms = 1
	}
	if opts.Senders <= 0 {
		opts.Senders = 1
	}
	if opts.Messages <= 0 {
		opts.Messages = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pool := NewPool(PoolOptions{
		Addr:               opts.Addr,
		ConnectionsPerRoom: opts.ConnectionsPerRoom,
		Credentials: func(roomID string, index int) protocol.Credentials {
			id := rand.Intn(protocol.MaxUserID) + 1
			return protocol.Credentials{UserID: fmt.Sprint(id), Username: fmt.Sprintf("user%d", id)}
		},
	})
	defer pool.Close()

	col := &collector{}
	if opts.CSVPath != "" {
		col.rows = [][]string{}
	}

	// Warm every room's connections and start a drain loop per connection.
	drainCtx, stopDrain := context.WithCancel(ctx)
	defer stopDrain()
	for room := 0; room < opts.Rooms; room++ {
		roomID := fmt.Sprintf("room%d", room)
		for i := 0; i < opts.ConnectionsPerRoom; i++ {
			conn, err := pool.Get(roomID)
			if err != nil {
				return Result{}, err
			}
			go drain(drainCtx, conn)
		}
	}
	logger.Info("load generator connected", "connections", pool.Size(), "rooms", opts.Rooms)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	perSender := opts.Messages / opts.Senders
	for sender := 0; sender < opts.Senders; sender++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for i := 0; i < perSender; i++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				roomID := fmt.Sprintf("room%d", rng.Intn(opts.Rooms))
				conn, err := pool.Get(roomID)
				if err != nil {
					col.record(roomID, 0, err)
					continue
				}
				text := predefinedMessages[rng.Intn(len(predefinedMessages))]
				sendStart := time.Now()
				err = conn.Chat(protocol.RoomScope(roomID), text, false)
				col.record(roomID, time.Since(sendStart), err)
			}
			return nil
		})
	}
	err := g.Wait()
	res := col.result(time.Since(start))

	if opts.CSVPath != "" {
		if csvErr := col.writeCSV(opts.CSVPath); csvErr != nil {
			logger.Warn("failed to write csv", "path", opts.CSVPath, "error", csvErr)
		}
	}
	return res, err
}

// drain reads and discards server pushes until the context ends.
func drain(ctx context.Context, conn *Conn) {
	for ctx.Err() == nil {
		if _, err := conn.Recv(time.Second); err != nil {
			if ctx.Err() != nil {
				return
			}
			if isDeadline(err) {
				continue
			}
			return
		}
	}
}

func isDeadline(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
