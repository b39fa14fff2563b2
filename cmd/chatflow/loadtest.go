package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatflow-dev/chatflow/internal/client"
)

func loadtestCmd() *cobra.Command {
	var opts client.LoadOptions

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run a chat load test against a running server",
		Long: `Open a pool of framed-TCP connections spread across rooms and
push generated chat traffic through them, reporting throughput and
latency percentiles when done.

Examples:
  chatflow loadtest --addr=localhost:9090
  chatflow loadtest --rooms=10 --connections-per-room=20 --messages=50000
  chatflow loadtest --csv=latencies.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := client.RunLoad(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Println(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "localhost:9090", "Server framed-TCP address")
	cmd.Flags().IntVar(&opts.Rooms, "rooms", 4, "Number of rooms to spread connections across")
	cmd.Flags().IntVar(&opts.ConnectionsPerRoom, "connections-per-room", 10, "Connections opened per room")
	cmd.Flags().IntVar(&opts.Senders, "senders", 8, "Concurrent sender workers")
	cmd.Flags().IntVar(&opts.Messages, "messages", 10000, "Total messages to send")
	cmd.Flags().StringVar(&opts.CSVPath, "csv", "", "Write per-message latency rows to this CSV file")

	return cmd
}
